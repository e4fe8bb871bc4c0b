// Command fhir-extract resolves and exports clinical records for a
// patient cohort: it seeds each patient's bundle, follows cross-record
// references to a fixed point, and writes one transaction bundle per
// patient containing the records that ended up valid.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	fx "github.com/gofhir/extract"
	"github.com/gofhir/extract/batch"
	"github.com/gofhir/extract/bundle"
	"github.com/gofhir/extract/compartment"
	"github.com/gofhir/extract/config"
	"github.com/gofhir/extract/group"
	"github.com/gofhir/extract/loader"
	"github.com/gofhir/extract/resolve"
	"github.com/gofhir/extract/store"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhir-extract",
		Short: "Reference-resolving FHIR cohort extractor",
	}

	rootCmd.AddCommand(extractCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func extractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Resolve and export the given patients",
		RunE: func(cmd *cobra.Command, args []string) error {
			patients, _ := cmd.Flags().GetStringSlice("patients")
			if len(patients) == 0 {
				return fmt.Errorf("at least one --patients id is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runExtraction(cmd.Context(), cfg, patients)
		},
	}
	cmd.Flags().StringSlice("patients", nil, "Comma-separated patient ids to extract")
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the catalogue against its target profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.CatalogueFile == "" {
				return fmt.Errorf("CATALOGUE_FILE is required")
			}
			cat, err := loader.LoadCatalogue(cfg.CatalogueFile)
			if err != nil {
				return err
			}
			if cfg.ProfileDir != "" {
				profiles, err := loader.LoadProfiles(cfg.ProfileDir)
				if err != nil {
					return err
				}
				if err := loader.VerifyCatalogue(cat, profiles); err != nil {
					return err
				}
			}
			fmt.Printf("catalogue ok: %d groups\n", cat.Len())
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).With().Timestamp().Logger()
}

func runExtraction(ctx context.Context, cfg *config.Config, patientIDs []string) error {
	logger := newLogger(cfg.LogLevel)

	cat, err := loader.LoadCatalogue(cfg.CatalogueFile)
	if err != nil {
		return err
	}
	if cfg.ProfileDir != "" {
		profiles, err := loader.LoadProfiles(cfg.ProfileDir)
		if err != nil {
			return err
		}
		if err := loader.VerifyCatalogue(cat, profiles); err != nil {
			return err
		}
		logger.Info().Int("profiles", profiles.Len()).Msg("catalogue verified")
	}

	router := compartment.Default()
	if cfg.Compartment != "" {
		router, err = compartment.FromFile(cfg.Compartment)
		if err != nil {
			return err
		}
	}

	fetchMetrics := fx.NewMetrics()
	ds := store.NewClient(
		store.WithBaseURL(cfg.ServerURL),
		store.WithPageSize(cfg.FetchPageSize),
		store.WithRetries(cfg.FetchRetries),
		store.WithLogger(logger),
		store.WithMetrics(fetchMetrics),
	)

	resolver := resolve.NewResolver(ds, router, cat,
		fx.WithPairingWorkers(cfg.PairingWorkers),
	)
	resolver.SetLogger(logger)

	patients, err := seedPatients(ctx, ds, cat, patientIDs)
	if err != nil {
		return err
	}

	core := bundle.New()
	processor := batch.NewProcessor(resolver,
		batch.WithWorkers(cfg.PatientWorkers),
		batch.WithConsent(cfg.ApplyConsent),
		batch.WithLogger(logger),
	)
	result := processor.Process(ctx, patients, core)
	logger.Info().
		Int("completed", result.Completed).
		Int("failed", result.Failed).
		Msg("batch resolved")

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return err
	}
	extractionID := uuid.NewString()
	for _, pr := range result.Patients {
		if pr.Err != nil {
			logger.Error().Err(pr.Err).Str("patient", pr.PatientID).Msg("patient skipped")
			continue
		}
		data, err := pr.Bundle.ToTransactionBundle(extractionID)
		if err != nil {
			return fmt.Errorf("export patient %s: %w", pr.PatientID, err)
		}
		path := filepath.Join(cfg.OutputDir, fmt.Sprintf("patient-%s.json", pr.PatientID))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
	}
	coreData, err := core.ToTransactionBundle(extractionID)
	if err != nil {
		return fmt.Errorf("export core pool: %w", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.OutputDir, "core.json"), coreData, 0o644); err != nil {
		return err
	}

	snap := resolver.Metrics().Snapshot()
	fetchSnap := fetchMetrics.Snapshot()
	logger.Info().
		Uint64("validated", snap.GroupsValidated).
		Uint64("invalidated", snap.GroupsInvalidated).
		Uint64("fetched", fetchSnap.FetchedResources).
		Uint64("requests", fetchSnap.FetchRequests).
		Uint64("unresolved", snap.UnresolvedRefs).
		Msg("extraction finished")
	return nil
}

// seedPatients fetches the cohort's Patient resources and seeds each
// bundle with a valid pairing for every patient-typed group that has an
// independent validity basis.
func seedPatients(ctx context.Context, ds store.DataStore, cat *group.Catalogue, patientIDs []string) ([]*bundle.PatientResourceBundle, error) {
	refs := make([]string, 0, len(patientIDs))
	for _, id := range patientIDs {
		refs = append(refs, "Patient/"+id)
	}
	fetched, err := ds.FetchByReferences(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("fetch cohort patients: %w", err)
	}

	var out []*bundle.PatientResourceBundle
	for _, id := range patientIDs {
		res, ok := fetched["Patient/"+id]
		if !ok {
			return nil, fmt.Errorf("patient %s not found", id)
		}
		pb := bundle.NewPatientResourceBundle(id)
		pb.Put(res)
		for _, gid := range cat.IDs() {
			g, _ := cat.Get(gid)
			if g.ResourceType != "Patient" || g.ReferenceOnly {
				continue
			}
			pb.SetGroupValidity(bundle.ResourceGroup{Ref: res.Ref(), GroupID: gid}, true)
		}
		out = append(out, pb)
	}
	return out, nil
}
