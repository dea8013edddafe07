package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/matthias-trip/holms-sub001/internal/adapter"
	"github.com/matthias-trip/holms-sub001/internal/model"
	"github.com/matthias-trip/holms-sub001/internal/store"
)

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "Inspect and control configured adapters",
}

var adaptersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured adapters",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfigAndLogging()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.db.Close()

		records, err := a.db.ListAdapters()
		if err != nil {
			return err
		}
		for _, rec := range records {
			fmt.Printf("%s\t%s\t%s\n", rec.ID, rec.Type, rec.DisplayName)
		}
		return nil
	},
}

// liveApp opens a full app and boots every configured adapter, for
// subcommands that need to talk to a running child process rather
// than just read the store.
func liveApp() (*app, func(), error) {
	cfg, err := loadConfigAndLogging()
	if err != nil {
		return nil, nil, err
	}
	a, err := newApp(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := a.startConfiguredAdapters(); err != nil {
		a.db.Close()
		return nil, nil, err
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.sup.StopAll(ctx)
		_ = a.db.Close()
	}
	return a, cleanup, nil
}

func findAdapterRecord(a *app, id string) (model.AdapterRecord, error) {
	records, err := a.db.ListAdapters()
	if err != nil {
		return model.AdapterRecord{}, err
	}
	for _, rec := range records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return model.AdapterRecord{}, fmt.Errorf("holmsd: unknown adapter %s", id)
}

var adaptersRestartCmd = &cobra.Command{
	Use:   "restart <adapter-id>",
	Short: "Restart a configured adapter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := liveApp()
		if err != nil {
			return err
		}
		defer cleanup()

		id := args[0]
		rec, err := findAdapterRecord(a, id)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.sup.Stop(ctx, id); err != nil {
			return fmt.Errorf("holmsd: stop %s: %w", id, err)
		}
		if err := a.sup.Start(rec.ID, rec.Type, rec.ConfigBag); err != nil {
			return fmt.Errorf("holmsd: restart %s: %w", id, err)
		}
		fmt.Printf("Restarted %s\n", id)
		return nil
	},
}

var adaptersLogsCmd = &cobra.Command{
	Use:   "logs <adapter-id>",
	Short: "Print an adapter's buffered log ring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := liveApp()
		if err != nil {
			return err
		}
		defer cleanup()

		entries, err := a.sup.Logs(args[0])
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
		}
		return nil
	},
}

var adaptersDiscoverCmd = &cobra.Command{
	Use:   "discover <adapter-type>",
	Short: "Run an onboarding discover pass for an adapter type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfigAndLogging()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.db.Close()

		adapterType := args[0]
		id, err := a.sup.StartOnboarding(adapterType)
		if err != nil {
			return err
		}
		defer a.sup.StopOnboarding(context.Background(), adapterType)

		ctx, cancel := context.WithTimeout(context.Background(), adapter.DiscoverTimeout+5*time.Second)
		defer cancel()

		gateways, message, err := a.sup.Discover(ctx, id, nil)
		if err != nil {
			return err
		}
		for _, g := range gateways {
			fmt.Printf("%s\t%s\t%s\n", g.ID, g.Name, g.Address)
		}
		if message != "" {
			fmt.Println(message)
		}
		return nil
	},
}

var pairAdapterIDFlag string
var pairDisplayNameFlag string

// adaptersPairCmd runs a pair pass and, on success, persists the
// resulting adapter record with every returned credential re-wrapped
// as a secret reference (spec §4.5.4, §8 S5: pairing completes with a
// store write of `{api_key: "$secret:…"}` and the onboarding handle
// torn down).
var adaptersPairCmd = &cobra.Command{
	Use:   "pair <adapter-type>",
	Short: "Run an onboarding pair pass and persist the resulting adapter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfigAndLogging()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.db.Close()

		adapterType := args[0]
		onboardingID, err := a.sup.StartOnboarding(adapterType)
		if err != nil {
			return err
		}
		defer a.sup.StopOnboarding(context.Background(), adapterType)

		ctx, cancel := context.WithTimeout(context.Background(), adapter.PairTimeout+5*time.Second)
		defer cancel()

		ok, credentials, message, err := a.sup.Pair(ctx, onboardingID, nil)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("holmsd: pair %s failed: %s", adapterType, message)
		}

		configBag := make(map[string]any, len(credentials))
		for k, v := range credentials {
			s, ok := v.(string)
			if !ok {
				configBag[k] = v
				continue
			}
			ref, err := a.secrets.Store(s)
			if err != nil {
				return fmt.Errorf("holmsd: store credential %q: %w", k, err)
			}
			configBag[k] = ref
		}

		id := pairAdapterIDFlag
		if id == "" {
			id = store.NewID()
		}
		rec := model.AdapterRecord{ID: id, Type: adapterType, DisplayName: pairDisplayNameFlag, ConfigBag: configBag}
		if err := a.db.PutAdapter(rec); err != nil {
			return fmt.Errorf("holmsd: persist paired adapter: %w", err)
		}

		fmt.Printf("Paired and saved adapter %s (type=%s): %s\n", rec.ID, rec.Type, message)
		return nil
	},
}

// adaptersRemoveCmd deletes a configured adapter record and cascades
// the deletion to every secret reference its config bag held (spec §3
// Lifecycle: "deletion cascades to the secret store").
var adaptersRemoveCmd = &cobra.Command{
	Use:   "remove <adapter-id>",
	Short: "Delete a configured adapter and its stored secrets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfigAndLogging()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.db.Close()

		id := args[0]
		rec, err := findAdapterRecord(a, id)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = a.sup.Stop(ctx, id) // best-effort; the adapter may never have been started this run

		if err := a.secrets.DeleteForBag(rec.ConfigBag); err != nil {
			return fmt.Errorf("holmsd: delete secrets for adapter %s: %w", id, err)
		}
		if err := a.db.DeleteAdapter(id); err != nil {
			return fmt.Errorf("holmsd: delete adapter %s: %w", id, err)
		}
		fmt.Printf("Removed %s\n", id)
		return nil
	},
}

func init() {
	adaptersPairCmd.Flags().StringVar(&pairAdapterIDFlag, "id", "", "adapter id to save under (default: generated)")
	adaptersPairCmd.Flags().StringVar(&pairDisplayNameFlag, "display-name", "", "display name to save for the adapter")

	adaptersCmd.AddCommand(adaptersListCmd)
	adaptersCmd.AddCommand(adaptersRestartCmd)
	adaptersCmd.AddCommand(adaptersLogsCmd)
	adaptersCmd.AddCommand(adaptersDiscoverCmd)
	adaptersCmd.AddCommand(adaptersPairCmd)
	adaptersCmd.AddCommand(adaptersRemoveCmd)
}
