// Command pgpgate-keytool manages the pgpgate key registry from the
// command line: importing uploaded keys, generating the server key,
// exporting public keys, and deleting records.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/infodancer/pgpgate"
	_ "github.com/infodancer/pgpgate/filestore" // register file backend
	"github.com/infodancer/pgpgate/gpg"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: pgpgate-keytool <command> [flags]

Commands:
  import        import an armored key for an identity
  generate      generate the server key pair
  delete        delete an identity's key
  export        print an identity's armored public key
  list          list all key records
  capabilities  list key and subkey capabilities for an identity
`)
	os.Exit(2)
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "import":
		err = runImport(os.Args[2:])
	case "generate":
		err = runGenerate(os.Args[2:])
	case "delete":
		err = runDelete(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "list":
		err = runList(os.Args[2:])
	case "capabilities":
		err = runCapabilities(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "pgpgate-keytool:", err)
		os.Exit(1)
	}
}

// commonFlags registers the flags every command shares.
func commonFlags(fs *flag.FlagSet) (storePath, keyringPath, master *string) {
	storePath = fs.String("store", "keys.json", "key record store file")
	keyringPath = fs.String("keyring", "keyring.gpg", "engine keyring file")
	master = fs.String("master", "", "master passphrase for secret-at-rest encryption")
	return
}

func openRegistry(storePath, keyringPath, master string) (*pgpgate.KeyRegistry, error) {
	options := map[string]string{}
	if master != "" {
		options["master_passphrase"] = master
	}
	store, err := pgpgate.OpenStore(pgpgate.StoreConfig{
		Type:    "file",
		Path:    storePath,
		Options: options,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	engine, err := gpg.New(keyringPath, nil)
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	return pgpgate.NewKeyRegistry(store, engine, nil), nil
}

func runImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	storePath, keyringPath, master := commonFlags(fs)
	identity := fs.Int("identity", -1, "identity id (0 is the server identity)")
	secret := fs.String("secret", "", "private key passphrase (server identity only)")
	_ = fs.Parse(args)

	if *identity < 0 || fs.NArg() != 1 {
		return fmt.Errorf("usage: import -identity N [flags] <keyfile>")
	}
	armored, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}

	registry, err := openRegistry(*storePath, *keyringPath, *master)
	if err != nil {
		return err
	}
	rec, err := registry.Import(context.Background(), *identity, string(armored), *secret)
	if err != nil {
		return err
	}
	fmt.Printf("imported %s for identity %d\n", rec.Fingerprint, rec.IdentityID)
	return nil
}

func runGenerate(args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	storePath, keyringPath, master := commonFlags(fs)
	name := fs.String("name", "", "key holder name")
	comment := fs.String("comment", "", "key comment")
	email := fs.String("email", "", "key holder email")
	bits := fs.Int("bits", 0, "RSA key length (0 uses the engine default)")
	passphrase := fs.String("passphrase", "", "private key passphrase")
	_ = fs.Parse(args)

	if *name == "" || *email == "" {
		return fmt.Errorf("usage: generate -name NAME -email EMAIL [flags]")
	}

	registry, err := openRegistry(*storePath, *keyringPath, *master)
	if err != nil {
		return err
	}
	rec, err := registry.Generate(context.Background(), pgpgate.GenerateParams{
		Name:       *name,
		Comment:    *comment,
		Email:      *email,
		KeyLength:  *bits,
		Passphrase: *passphrase,
	})
	if err != nil {
		return err
	}
	fmt.Printf("generated server key %s\n", rec.Fingerprint)
	return nil
}

func runDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	storePath, keyringPath, master := commonFlags(fs)
	identity := fs.Int("identity", -1, "identity id")
	_ = fs.Parse(args)

	if *identity < 0 {
		return fmt.Errorf("usage: delete -identity N [flags]")
	}

	registry, err := openRegistry(*storePath, *keyringPath, *master)
	if err != nil {
		return err
	}
	removed, err := registry.Delete(context.Background(), *identity)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("no key record for identity %d", *identity)
	}
	fmt.Printf("deleted key for identity %d\n", *identity)
	return nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	storePath, keyringPath, master := commonFlags(fs)
	identity := fs.Int("identity", -1, "identity id")
	_ = fs.Parse(args)

	if *identity < 0 {
		return fmt.Errorf("usage: export -identity N [flags]")
	}

	registry, err := openRegistry(*storePath, *keyringPath, *master)
	if err != nil {
		return err
	}
	armored, err := registry.ExportPublic(context.Background(), *identity)
	if err != nil {
		return err
	}
	fmt.Println(armored)
	return nil
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	storePath, keyringPath, master := commonFlags(fs)
	_ = fs.Parse(args)

	registry, err := openRegistry(*storePath, *keyringPath, *master)
	if err != nil {
		return err
	}
	records, err := registry.Store().List(context.Background())
	if err != nil {
		return err
	}
	for _, rec := range records {
		fmt.Printf("%d\t%s\n", rec.IdentityID, rec.Fingerprint)
	}
	return nil
}

func runCapabilities(args []string) error {
	fs := flag.NewFlagSet("capabilities", flag.ExitOnError)
	storePath, keyringPath, master := commonFlags(fs)
	identity := fs.Int("identity", -1, "identity id")
	_ = fs.Parse(args)

	if *identity < 0 {
		return fmt.Errorf("usage: capabilities -identity N [flags]")
	}

	registry, err := openRegistry(*storePath, *keyringPath, *master)
	if err != nil {
		return err
	}
	caps, err := registry.Capabilities(context.Background(), *identity)
	if err != nil {
		return err
	}
	for _, c := range caps {
		flags := ""
		if c.CanSign {
			flags += "S"
		}
		if c.CanEncrypt {
			flags += "E"
		}
		fmt.Printf("%s\t%s\n", c.Fingerprint, flags)
	}
	return nil
}
