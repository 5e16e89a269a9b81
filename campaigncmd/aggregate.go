package campaigncmd

import (
	"context"
	"fmt"
	"path/filepath"

	"go.ntppool.org/common/logger"

	"github.com/1aeo/exitmap-dns-health-deploy/aggregate"
	"github.com/1aeo/exitmap-dns-health-deploy/mqttcm"
	"github.com/1aeo/exitmap-dns-health-deploy/publish"
	"github.com/1aeo/exitmap-dns-health-deploy/waves"
)

type AggregateCmd struct {
	Sources   []string `name:"source" short:"s" required:"" type:"existingdir" help:"Result directory of one instance; repeat in instance order"`
	OutputDir string   `name:"output-dir" short:"o" help:"Report directory (default: <state-dir>/reports)"`
	ScanType  string   `name:"scan-type" default:"single" enum:"single,cross_validate,split" help:"Scan type recorded in the report"`
	Keep      int      `name:"keep-reports" default:"100" help:"Reports listed in the manifest"`
	Universe  int      `name:"universe" help:"Number of relays in the consensus, if known"`
	RunID     string   `name:"run-id" help:"Campaign id to record"`
	WaveStats string   `name:"wave-stats" type:"existingfile" help:"Wave statistics file to embed"`
	BatchSize int      `name:"batch-size" help:"Batch size the waves ran with"`

	PublishFlags `embed:""`
}

func (cmd *AggregateCmd) Validate() error {
	return cmd.PublishFlags.Validate()
}

// sources numbers the directories in the order given; the first one
// wins failure tie-breaks.
func (cmd *AggregateCmd) sources() []aggregate.Source {
	l := make([]aggregate.Source, 0, len(cmd.Sources))
	for i, dir := range cmd.Sources {
		l = append(l, aggregate.Source{
			Name:    aggregate.SourceName(dir),
			Ordinal: i + 1,
			Dir:     dir,
		})
	}
	return l
}

func (cmd *AggregateCmd) Run(ctx context.Context, g *Globals) error {
	ctx = g.setup(ctx)
	log := logger.FromContext(ctx)

	outputDir := cmd.OutputDir
	if len(outputDir) == 0 {
		outputDir = filepath.Join(g.StateDir, "reports")
	}

	opts := aggregate.Options{
		Sources:      cmd.sources(),
		ScanType:     cmd.ScanType,
		UniverseSize: cmd.Universe,
		RunID:        cmd.RunID,
	}
	if len(cmd.WaveStats) > 0 {
		stats, err := waves.ReadStats(cmd.WaveStats)
		if err != nil {
			return err
		}
		opts.Waves = waves.Summarize(stats, cmd.BatchSize, 0)
	}

	res, err := aggregate.Run(ctx, opts, &aggregate.Writer{Dir: outputDir, Keep: cmd.Keep})
	if err != nil {
		return err
	}

	pubs, err := cmd.PublishFlags.setup(ctx, mqttcm.NewTopics(g.deployEnv()))
	if err != nil {
		log.WarnContext(ctx, "publishing disabled", "err", err)
	} else if len(pubs.list) > 0 {
		defer pubs.Close(ctx)
		if err := publish.Report(ctx, pubs.list, res, outputDir); err != nil {
			log.WarnContext(ctx, "publishing failed", "err", err)
		}
	}

	fmt.Print(res.Report.Summary())
	fmt.Printf("Report: %s\n", filepath.Join(outputDir, res.Name))
	return nil
}
