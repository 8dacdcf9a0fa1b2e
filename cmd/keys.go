package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailsig/config"
	"github.com/dhcgn/mailsig/credstore"
)

func newKeysCommand(app *App) *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage signing keys, trust anchors and account passwords",
	}

	var algorithm string
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Create a signing key for --identity-alias and print its public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pubPEM, err := app.generateKey(algorithm)
			if err != nil {
				return err
			}
			_, err = app.out().Write(pubPEM)
			return err
		},
	}
	generate.Flags().StringVar(&algorithm, "algorithm", credstore.FamilyEd25519, "Key family: Ed25519, ECDSA, RSA or ML-DSA-65")

	importKey := &cobra.Command{
		Use:   "import-key <pem file>",
		Short: "Import a PEM private key as --identity-alias",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.importKey(args[0]); err != nil {
				return err
			}
			pterm.Success.Printfln("Imported key %s", app.Config.Identity)
			return nil
		},
	}

	importAnchor := &cobra.Command{
		Use:   "import-anchor <sender address> <pem file>",
		Short: "Trust the PEM public key or certificate for a sender address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fingerprint, err := app.importAnchor(args[0], args[1])
			if err != nil {
				return err
			}
			pterm.Success.Printfln("Trusted %s (%s)", strings.ToLower(args[0]), fingerprint)
			return nil
		},
	}

	exportPublic := &cobra.Command{
		Use:   "export-public",
		Short: "Print the public key of --identity-alias for counterparties",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cred, err := credstore.Load(app.Config.KeySource(), app.Config.Identity)
			if err != nil {
				return err
			}
			pubPEM, err := credstore.EncodePEMPublicKey(cred.Public)
			if err != nil {
				return err
			}
			_, err = app.out().Write(pubPEM)
			return err
		},
	}

	var trust bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List the identity store, or the trust store with --trust",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := app.listKeys(trust)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				pterm.Info.Println("Store is empty")
				return nil
			}
			data := pterm.TableData{{"Alias", "Kind", "Family"}}
			for _, e := range entries {
				data = append(data, []string{e.Alias, e.Kind, e.Family})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}
	list.Flags().BoolVar(&trust, "trust", false, "List the trust store")

	var removeTrust bool
	remove := &cobra.Command{
		Use:   "remove <alias>",
		Short: "Remove a key from the identity store, or an anchor with --trust",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.removeKey(args[0], removeTrust); err != nil {
				return err
			}
			pterm.Success.Printfln("Removed %s", args[0])
			return nil
		},
	}
	remove.Flags().BoolVar(&removeTrust, "trust", false, "Remove from the trust store")

	setPassword := &cobra.Command{
		Use:       "set-password <imap|smtp>",
		Short:     "Store the account password in the system keyring",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"imap", "smtp"},
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := pterm.DefaultInteractiveTextInput.WithMask("*").Show("Password")
			if err != nil {
				return err
			}
			key, err := app.setPassword(args[0], password)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("Stored password for %s", key)
			return nil
		},
	}

	keys.AddCommand(generate, importKey, importAnchor, exportPublic, list, remove, setPassword)
	return keys
}

func (a *App) keyring() (*credstore.KeyringStore, error) {
	if a.Config.KeyStore != config.KeyStoreKeyring {
		return nil, fmt.Errorf("%s stores are read-only here; use --keystore %s", a.Config.KeyStore, config.KeyStoreKeyring)
	}
	return credstore.NewKeyringStore(a.Config.KeyDir), nil
}

func (a *App) requireAlias() error {
	if a.Config.Identity.Alias == "" {
		return errors.New("--identity-alias is required")
	}
	return nil
}

func (a *App) generateKey(algorithm string) ([]byte, error) {
	if err := a.requireAlias(); err != nil {
		return nil, err
	}
	store, err := a.keyring()
	if err != nil {
		return nil, err
	}
	key, err := credstore.GenerateKey(algorithm)
	if err != nil {
		return nil, err
	}
	id := a.Config.Identity
	if err := store.ImportPrivateKey(id.Store, id.StorePassword, id.Alias, id.KeyPassword, key); err != nil {
		return nil, err
	}
	pub, err := credstore.PublicOf(key)
	if err != nil {
		return nil, err
	}
	return credstore.EncodePEMPublicKey(pub)
}

func (a *App) importKey(path string) error {
	if err := a.requireAlias(); err != nil {
		return err
	}
	store, err := a.keyring()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	key, err := credstore.ParsePEMPrivateKey(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	id := a.Config.Identity
	return store.ImportPrivateKey(id.Store, id.StorePassword, id.Alias, id.KeyPassword, key)
}

// importAnchor stores the key under the lowercased address, matching how
// senders are looked up.
func (a *App) importAnchor(address, path string) (string, error) {
	store, err := a.keyring()
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	pub, err := credstore.ParsePEMPublicKey(data)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}
	if err := store.ImportTrustAnchor(a.Config.TrustStore, a.Config.TrustStorePass, strings.ToLower(address), pub); err != nil {
		return "", err
	}
	return credstore.Fingerprint(pub)
}

func (a *App) listKeys(trust bool) ([]credstore.Entry, error) {
	store, err := a.keyring()
	if err != nil {
		return nil, err
	}
	if trust {
		return store.List(a.Config.TrustStore, a.Config.TrustStorePass)
	}
	return store.List(a.Config.Identity.Store, a.Config.Identity.StorePassword)
}

func (a *App) removeKey(alias string, trust bool) error {
	store, err := a.keyring()
	if err != nil {
		return err
	}
	if trust {
		return store.Remove(a.Config.TrustStore, a.Config.TrustStorePass, strings.ToLower(alias))
	}
	return store.Remove(a.Config.Identity.Store, a.Config.Identity.StorePassword, alias)
}

func (a *App) setPassword(protocol, password string) (string, error) {
	cfg := a.Config
	var user, host string
	switch protocol {
	case "imap":
		user, host = cfg.IMAPUser, cfg.IMAPHost
	case "smtp":
		user, host = cfg.SMTPUser, cfg.SMTPHost
	default:
		return "", fmt.Errorf("unknown protocol %q", protocol)
	}
	if user == "" || host == "" {
		return "", fmt.Errorf("--%s-user and --%s-host are required", protocol, protocol)
	}
	key := credstore.AccountKey(protocol, user, host)
	if err := cfg.Secrets().Set(key, password); err != nil {
		return "", err
	}
	return key, nil
}
