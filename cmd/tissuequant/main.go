// Command tissuequant exposes the per-sample analytic operations: building
// the analytic store from pipeline exports, spatial cell queries,
// phenotype classification, threshold editing and annotation/region
// conversion.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tissuequant/server/internal/annotation"
	"github.com/tissuequant/server/internal/cache"
	"github.com/tissuequant/server/internal/cellstore"
	"github.com/tissuequant/server/internal/config"
	"github.com/tissuequant/server/internal/markers"
	"github.com/tissuequant/server/internal/pipeline"
	"github.com/tissuequant/server/internal/service"
)

type app struct {
	cfg    *config.Config
	logger *zap.Logger
	cache  *cache.Manager
	retry  cellstore.RetryConfig
}

func (a *app) sampleDir(sample string) cellstore.SampleDir {
	id := markers.NormalizeSampleID(sample)
	return cellstore.SampleDir{Path: filepath.Join(a.cfg.Data.AnalysesPath, id)}
}

func (a *app) close() {
	if a.cache != nil {
		a.cache.Close()
	}
	if a.logger != nil {
		a.logger.Sync()
	}
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	mgr, err := cache.NewManager(cache.Config{
		ResultCacheSizeMB: cfg.Cache.ResultSizeMB,
		ResultTTL:         cfg.ResultTTL(),
		StoreCacheSize:    cfg.Cache.StoreHandles,
	})
	if err != nil {
		logger.Sync()
		return nil, fmt.Errorf("init cache: %w", err)
	}

	retry := cellstore.DefaultRetryConfig()
	retry.Attempts, retry.MinDelay, retry.MaxDelay = cfg.RetrySettings()

	return &app{cfg: cfg, logger: logger, cache: mgr, retry: retry}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	var configPath string
	var a *app

	root := &cobra.Command{
		Use:           "tissuequant",
		Short:         "Analytic queries and classification over tissue imaging samples",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			a, err = newApp(configPath)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")

	root.AddCommand(
		buildCmd(&a),
		queryCmd(&a),
		classifyCmd(&a),
		thresholdCmd(&a),
		regionsCmd(&a),
		submitCmd(&a),
		statusCmd(&a),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildCmd(a **app) *cobra.Command {
	var sample string
	var force bool
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the analytic store for a sample from its raw exports",
		RunE: func(cmd *cobra.Command, args []string) error {
			builder := &cellstore.Builder{
				Retry:          (*a).retry,
				StaleMarkerAge: (*a).cfg.StaleBuildMarkerAge(),
				Logger:         (*a).logger,
			}
			dir := (*a).sampleDir(sample)
			(*a).cache.Evict(dir)
			result, err := builder.Build(context.Background(), dir, force)
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"sample": sample, "result": string(result)})
		},
	}
	cmd.Flags().StringVarP(&sample, "sample", "s", "", "Sample identifier")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Rebuild even if the store already exists")
	cmd.MarkFlagRequired("sample")
	return cmd
}

func queryCmd(a **app) *cobra.Command {
	var sample, marker string
	var cutoff, x, y, width, height float64
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query cells in a bounding box against a marker cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := service.NewCellService(service.CellServiceConfig{
				Cache:         (*a).cache,
				Retry:         (*a).retry,
				ResponseLimit: (*a).cfg.Query.ResponseLimit,
				Logger:        (*a).logger,
			})
			bbox := cellstore.BBox{X: x, Y: y, Width: width, Height: height}
			result, err := svc.QueryCells(context.Background(), (*a).sampleDir(sample),
				service.NewQueryRequest(bbox, marker, cutoff))
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVarP(&sample, "sample", "s", "", "Sample identifier")
	cmd.Flags().StringVarP(&marker, "marker", "m", "", "Marker name")
	cmd.Flags().Float64Var(&cutoff, "cutoff", 0, "Marker cutoff")
	cmd.Flags().Float64Var(&x, "x", 0, "Bounding box left")
	cmd.Flags().Float64Var(&y, "y", 0, "Bounding box top")
	cmd.Flags().Float64Var(&width, "width", 0, "Bounding box width")
	cmd.Flags().Float64Var(&height, "height", 0, "Bounding box height")
	cmd.MarkFlagRequired("sample")
	cmd.MarkFlagRequired("marker")
	return cmd
}

func classifyCmd(a **app) *cobra.Command {
	var sample, marker string
	var cutoff float64
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify every cell and report phenotype populations",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := service.NewPhenotypeService(service.PhenotypeServiceConfig{
				Cache:  (*a).cache,
				Retry:  (*a).retry,
				Logger: (*a).logger,
			})
			var override *cellstore.ThresholdOverride
			if marker != "" {
				override = &cellstore.ThresholdOverride{Marker: marker, Cutoff: cutoff}
			}
			result, err := svc.Classify(context.Background(), (*a).sampleDir(sample), override)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVarP(&sample, "sample", "s", "", "Sample identifier")
	cmd.Flags().StringVarP(&marker, "marker", "m", "", "Preview this marker at --cutoff instead of its stored value")
	cmd.Flags().Float64Var(&cutoff, "cutoff", 0, "Preview cutoff for --marker")
	cmd.MarkFlagRequired("sample")
	return cmd
}

func thresholdCmd(a **app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threshold",
		Short: "Recompute counts for and commit threshold edits",
	}

	newService := func() *service.ThresholdService {
		return service.NewThresholdService(service.ThresholdServiceConfig{
			Cache:  (*a).cache,
			Retry:  (*a).retry,
			Logger: (*a).logger,
		})
	}

	var sample, marker string
	var cutoff float64
	notify := &cobra.Command{
		Use:   "notify",
		Short: "Recompute per-marker co-occurrence counts for a candidate cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newService().RecomputeNotifications(context.Background(),
				(*a).sampleDir(sample), marker, cutoff)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	var x, y, width, height float64
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count cells per marker inside a bounding box with a candidate cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			bbox := cellstore.BBox{X: x, Y: y, Width: width, Height: height}
			result, err := newService().RecomputeStats(context.Background(),
				(*a).sampleDir(sample), bbox, marker, cutoff)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	stats.Flags().Float64Var(&x, "x", 0, "Bounding box left")
	stats.Flags().Float64Var(&y, "y", 0, "Bounding box top")
	stats.Flags().Float64Var(&width, "width", 0, "Bounding box width")
	stats.Flags().Float64Var(&height, "height", 0, "Bounding box height")

	commit := &cobra.Command{
		Use:   "commit",
		Short: "Commit a cutoff edit to the threshold file and the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := (*a).sampleDir(sample)
			if err := newService().CommitThreshold(context.Background(), dir, marker, cutoff); err != nil {
				return err
			}
			return printJSON(map[string]any{"sample": sample, "marker": marker, "cutoff": cutoff})
		},
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the panel and the current and original threshold tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshots, err := markers.LoadSnapshots((*a).sampleDir(sample))
			if err != nil {
				return err
			}
			return printJSON(snapshots)
		},
	}
	show.Flags().StringVarP(&sample, "sample", "s", "", "Sample identifier")
	show.MarkFlagRequired("sample")
	cmd.AddCommand(show)

	for _, c := range []*cobra.Command{notify, stats, commit} {
		c.Flags().StringVarP(&sample, "sample", "s", "", "Sample identifier")
		c.Flags().StringVarP(&marker, "marker", "m", "", "Marker name")
		c.Flags().Float64Var(&cutoff, "cutoff", 0, "Candidate cutoff")
		c.MarkFlagRequired("sample")
		c.MarkFlagRequired("marker")
		cmd.AddCommand(c)
	}
	return cmd
}

func regionsCmd(a **app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regions",
		Short: "Convert between annotation documents and flat region tables",
	}

	var sample string
	export := &cobra.Command{
		Use:   "export",
		Short: "Flatten the annotation document into ROI and exclusion CSV tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := (*a).sampleDir(sample)
			doc, err := annotation.Load(dir)
			if err != nil {
				return err
			}
			roi, exclusion := annotation.ExtractRegions(doc)
			if err := os.WriteFile(dir.ROIFile(), roi.CSV(), 0o644); err != nil {
				return err
			}
			if err := os.WriteFile(dir.ExclusionFile(), exclusion.CSV(), 0o644); err != nil {
				return err
			}
			return printJSON(map[string]any{
				"roi_rows":       len(roi),
				"exclusion_rows": len(exclusion),
			})
		},
	}
	export.Flags().StringVarP(&sample, "sample", "s", "", "Sample identifier")
	export.MarkFlagRequired("sample")

	var roiPath, exclusionPath string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Merge region CSV tables into the sample's annotation document",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := (*a).sampleDir(sample)
			if roiPath == "" {
				roiPath = dir.ROIFile()
			}
			if exclusionPath == "" {
				exclusionPath = dir.ExclusionFile()
			}
			doc, err := annotation.ImportRegionFiles(dir, roiPath, exclusionPath)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"objects": len(doc.Objects)})
		},
	}
	imp.Flags().StringVarP(&sample, "sample", "s", "", "Sample identifier")
	imp.Flags().StringVar(&roiPath, "roi", "", "ROI CSV path (default: the sample's ROI table)")
	imp.Flags().StringVar(&exclusionPath, "exclusion", "", "Exclusion CSV path (default: the sample's exclusion table)")
	imp.MarkFlagRequired("sample")

	cmd.AddCommand(export, imp)
	return cmd
}

func submitCmd(a **app) *cobra.Command {
	var sample string
	var noReport bool
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Prepare a batch analysis run for a sample",
		RunE: func(cmd *cobra.Command, args []string) error {
			submitter := pipeline.NewSubmitter(pipeline.Config{
				NProcesses:  (*a).cfg.Pipeline.NProcesses,
				TmpDir:      (*a).cfg.Pipeline.TmpDir,
				ComposeFile: (*a).cfg.Pipeline.ComposeFile,
				Logger:      (*a).logger,
			})
			command, err := submitter.Submit((*a).sampleDir(sample), !noReport)
			if err != nil {
				return err
			}
			fmt.Println(command)
			return nil
		},
	}
	cmd.Flags().StringVarP(&sample, "sample", "s", "", "Sample identifier")
	cmd.Flags().BoolVar(&noReport, "no-report", false, "Skip report generation in the batch run")
	cmd.MarkFlagRequired("sample")
	return cmd
}

func statusCmd(a **app) *cobra.Command {
	var sample string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report the batch analysis status for a sample",
		RunE: func(cmd *cobra.Command, args []string) error {
			status := pipeline.GetStatus((*a).sampleDir(sample))
			return printJSON(map[string]string{"sample": sample, "status": string(status)})
		},
	}
	cmd.Flags().StringVarP(&sample, "sample", "s", "", "Sample identifier")
	cmd.MarkFlagRequired("sample")
	return cmd
}
