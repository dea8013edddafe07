package main

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/matthias-trip/holms-sub001/internal/model"
	"github.com/matthias-trip/holms-sub001/internal/secretstore"
	"github.com/matthias-trip/holms-sub001/internal/store"
)

// exportedAdapter carries the config bag with every secret reference
// resolved to plaintext, plus the set of keys that were references so
// import knows which values to re-encrypt rather than leaving as
// plaintext config.
type exportedAdapter struct {
	model.AdapterRecord
	SecretKeys []string `json:"secretKeys"`
}

// exportBundle is the self-contained backup payload: every secret
// reference is resolved to plaintext before encryption so the bundle
// never depends on the producing machine's own master key (SPEC_FULL.md
// SUPPLEMENTED FEATURES #3).
type exportBundle struct {
	Adapters   []exportedAdapter                  `json:"adapters"`
	Spaces     []*model.Space                      `json:"spaces"`
	Sources    []*model.Source                     `json:"sources"`
	Properties map[string][]*model.SourceProperty  `json:"properties"`
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Export or import the substrate's configured state",
}

var exportOutFlag string
var exportPassphraseFlag string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export adapters, spaces, sources, and secrets to an encrypted file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportPassphraseFlag == "" {
			return fmt.Errorf("holmsd: --passphrase is required")
		}
		cfg, err := loadConfigAndLogging()
		if err != nil {
			return err
		}
		db, err := store.Open(cfg.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		secrets, err := secretstore.Open(cfg.DataDir, db)
		if err != nil {
			return err
		}

		records, err := db.ListAdapters()
		if err != nil {
			return err
		}
		adapters := make([]exportedAdapter, 0, len(records))
		for _, rec := range records {
			var secretKeys []string
			for k, v := range rec.ConfigBag {
				if s, ok := v.(string); ok && secrets.IsReference(s) {
					secretKeys = append(secretKeys, k)
				}
			}
			resolved, err := secrets.ResolveBag(rec.ConfigBag)
			if err != nil {
				return fmt.Errorf("holmsd: resolve secrets for adapter %s: %w", rec.ID, err)
			}
			rec.ConfigBag = resolved
			adapters = append(adapters, exportedAdapter{AdapterRecord: rec, SecretKeys: secretKeys})
		}

		spaces, sources, properties, err := db.LoadSpaceModel()
		if err != nil {
			return err
		}

		bundle := exportBundle{Adapters: adapters, Spaces: spaces, Sources: sources, Properties: properties}
		plaintext, err := json.Marshal(bundle)
		if err != nil {
			return err
		}

		salt := make([]byte, secretstore.ExportSaltLength)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return err
		}
		key := secretstore.DeriveExportKey(exportPassphraseFlag, salt)
		ciphertext, err := secretstore.EncryptWithKey(key, plaintext)
		if err != nil {
			return err
		}

		out := append(salt, ciphertext...)
		if err := os.WriteFile(exportOutFlag, out, 0600); err != nil {
			return err
		}
		fmt.Printf("Exported %d adapter(s), %d space(s), %d source(s) to %s\n", len(adapters), len(spaces), len(sources), exportOutFlag)
		return nil
	},
}

var importInFlag string
var importPassphraseFlag string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import adapters, spaces, sources, and secrets from an encrypted export",
	RunE: func(cmd *cobra.Command, args []string) error {
		if importPassphraseFlag == "" {
			return fmt.Errorf("holmsd: --passphrase is required")
		}
		cfg, err := loadConfigAndLogging()
		if err != nil {
			return err
		}
		db, err := store.Open(cfg.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		secrets, err := secretstore.Open(cfg.DataDir, db)
		if err != nil {
			return err
		}

		raw, err := os.ReadFile(importInFlag)
		if err != nil {
			return err
		}
		if len(raw) < secretstore.ExportSaltLength {
			return fmt.Errorf("holmsd: import file too short")
		}
		salt, ciphertext := raw[:secretstore.ExportSaltLength], raw[secretstore.ExportSaltLength:]
		key := secretstore.DeriveExportKey(importPassphraseFlag, salt)
		plaintext, err := secretstore.DecryptWithKey(key, ciphertext)
		if err != nil {
			return fmt.Errorf("holmsd: decrypt import (wrong passphrase?): %w", err)
		}

		var bundle exportBundle
		if err := json.Unmarshal(plaintext, &bundle); err != nil {
			return err
		}

		for _, ea := range bundle.Adapters {
			rec := ea.AdapterRecord
			for _, k := range ea.SecretKeys {
				s, ok := rec.ConfigBag[k].(string)
				if !ok {
					continue
				}
				ref, err := secrets.Store(s)
				if err != nil {
					return fmt.Errorf("holmsd: re-store secret for adapter %s: %w", rec.ID, err)
				}
				rec.ConfigBag[k] = ref
			}
			if err := db.PutAdapter(rec); err != nil {
				return err
			}
		}
		for _, sp := range bundle.Spaces {
			if err := db.PutSpace(*sp); err != nil {
				return err
			}
		}
		for _, src := range bundle.Sources {
			if err := db.PutSource(*src); err != nil {
				return err
			}
			for _, sp := range bundle.Properties[src.ID] {
				if err := db.PutSourceProperty(src.ID, *sp); err != nil {
					return err
				}
			}
		}

		fmt.Printf("Imported %d adapter(s), %d space(s), %d source(s)\n", len(bundle.Adapters), len(bundle.Spaces), len(bundle.Sources))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOutFlag, "out", "holmsd-export.enc", "output file path")
	exportCmd.Flags().StringVar(&exportPassphraseFlag, "passphrase", "", "passphrase protecting the export")
	importCmd.Flags().StringVar(&importInFlag, "in", "holmsd-export.enc", "input file path")
	importCmd.Flags().StringVar(&importPassphraseFlag, "passphrase", "", "passphrase protecting the export")

	configCmd.AddCommand(exportCmd)
	configCmd.AddCommand(importCmd)
}
