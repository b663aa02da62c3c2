package main

import (
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"

	"github.com/venuelab/stagesync/pkg/config"
	"github.com/venuelab/stagesync/pkg/params"
	"github.com/venuelab/stagesync/pkg/router"
	"github.com/venuelab/stagesync/pkg/surface"
	"github.com/venuelab/stagesync/pkg/transport"
)

type simOptions struct {
	Projectors    int
	Duration      time.Duration
	WriteInterval time.Duration
	Quiesce       time.Duration

	Loss         float64
	Dup          float64
	Delay        time.Duration
	Jitter       time.Duration
	OutagePeriod time.Duration
	OutageLength time.Duration

	StoreDir string
	BigEvery int64
	Seed     int64
}

var simOpts simOptions

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run an in-process convergence simulation",
	Long: `Brings up one control surface and N projector surfaces sharing a
broadcast hub (optionally lossy), pairwise direct links and a store
directory. The control surface churns parameters for the duration,
then all surfaces quiesce and the final states are compared.`,
	RunE: runSim,
}

// paletteNames feeds the churner with plausible-looking values.
var paletteNames = []string{"inferno", "viridis", "magma", "plasma", "cividis", "turbo"}

func runSim(cmd *cobra.Command, args []string) error {
	log := logger.Sugar()
	rng := rand.New(rand.NewSource(simOpts.Seed))

	if simOpts.Projectors < 1 {
		return fmt.Errorf("need at least one projector")
	}

	cfg := config.Default()
	if cfgPath != "" {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := simOpts.StoreDir
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "stagesync-sim-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
	}
	log.Infow("sim_start",
		"projectors", simOpts.Projectors, "duration", simOpts.Duration,
		"loss", simOpts.Loss, "store", dir)

	hub := transport.NewHub(transport.WithMaxFrame(int(cfg.BroadcastMaxFrame)))
	chaos := transport.FlakyConfig{
		Loss: simOpts.Loss, Dup: simOpts.Dup,
		Delay: simOpts.Delay, Jitter: simOpts.Jitter,
		Up: true, Seed: simOpts.Seed,
	}

	openStore := func(self string) (*transport.Store, error) {
		return transport.OpenStore(dir, "sim", self,
			transport.WithQuota(cfg.StoreQuota),
			transport.WithStaleness(cfg.ReassemblyStaleness.Std()),
			transport.WithSnapshotInterval(cfg.SnapshotWriteInterval.Std()),
			transport.WithStoreLogger(log.Named(self)))
	}

	// one direct pair per projector; the a-sides all belong to control
	ctlSides := make([]transport.Transport, simOpts.Projectors)
	projSides := make([]transport.Transport, simOpts.Projectors)
	for i := range ctlSides {
		ctlSides[i], projSides[i] = transport.NewDirectPair()
	}

	ctlBC := transport.WrapFlaky(hub.Join("stage"), chaos)
	ctlStore, err := openStore("ctl")
	if err != nil {
		return err
	}
	ctl := surface.New(params.RoleControl,
		surface.WithConfig(cfg),
		surface.WithTransports(append([]transport.Transport{ctlBC}, ctlSides...)...),
		surface.WithStore(ctlStore),
		surface.WithLogger(log.Named("ctl")))

	// projectors, each with a broadcast endpoint, its direct link to
	// the control surface, and the shared store
	links := []*transport.Flaky{ctlBC}
	projs := make([]*surface.Surface, simOpts.Projectors)
	for i := range projs {
		name := fmt.Sprintf("proj%d", i)
		bc := transport.WrapFlaky(hub.Join("stage"), chaos)
		links = append(links, bc)
		st, err := openStore(name)
		if err != nil {
			return err
		}
		projs[i] = surface.New(params.RoleProjector,
			surface.WithConfig(cfg),
			surface.WithTransports(bc, projSides[i]),
			surface.WithStore(st),
			surface.WithLogger(log.Named(name)))
	}

	ctl.Start()
	for _, p := range projs {
		p.Start()
	}
	defer func() {
		for _, p := range projs {
			p.Close()
		}
		ctl.Close()
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// outage driver: periodically take every broadcast endpoint down
	if simOpts.OutagePeriod > 0 {
		go func() {
			for {
				wait := time.Duration(rng.Int63n(int64(2 * simOpts.OutagePeriod)))
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
				log.Warnw("outage_begin", "length", simOpts.OutageLength)
				for _, l := range links {
					l.SetUp(false)
				}
				select {
				case <-ctx.Done():
				case <-time.After(simOpts.OutageLength):
				}
				for _, l := range links {
					l.SetUp(true)
				}
				log.Infow("outage_end")
			}
		}()
	}

	// churner: the control surface edits parameters until quiesce
	writeUntil := time.Now().Add(simOpts.Duration - simOpts.Quiesce)
	var edits, failed int64
	ticker := time.NewTicker(simOpts.WriteInterval)
	defer ticker.Stop()

churn:
	for time.Now().Before(writeUntil) {
		select {
		case <-ctx.Done():
			break churn
		case <-ticker.C:
		}
		edits++
		var d *router.Delivery
		var err error
		if simOpts.BigEvery > 0 && edits%simOpts.BigEvery == 0 {
			d, err = ctl.PublishParamsDelta(map[string]any{
				"preset_blob": strings.Repeat("x", int(cfg.ChunkThreshold)+1),
			})
		} else {
			d, err = ctl.PublishParamsDelta(randomEdit(rng, edits))
		}
		if err != nil {
			log.Errorw("edit_rejected", "err", err)
			continue
		}
		if !d.Succeeded() {
			failed++
		}
	}

	// quiesce, then compare
	select {
	case <-ctx.Done():
	case <-time.After(simOpts.Quiesce):
	}

	want := ctl.Params().SnapshotFull()
	converged := 0
	for i, p := range projs {
		got := p.Params().SnapshotFull()
		if diff := cmp.Diff(want.Values, got.Values); diff != "" {
			log.Warnw("diverged", "projector", i,
				"ctl_revision", want.Revision, "proj_revision", got.Revision)
			fmt.Println(diff)
			continue
		}
		converged++
	}

	fmt.Printf("\nedits=%d delivery_failures=%d converged=%d/%d revision=%d\n",
		edits, failed, converged, len(projs), want.Revision)
	for i, p := range projs {
		h := p.Health()
		fmt.Printf("proj%d: revision=%d degraded=%v peers=%d\n",
			i, p.Params().Revision(), h.Degraded, len(p.Peers()))
	}
	if converged != len(projs) {
		return fmt.Errorf("%d projector(s) diverged", len(projs)-converged)
	}
	return nil
}

func randomEdit(rng *rand.Rand, n int64) map[string]any {
	switch rng.Intn(4) {
	case 0:
		return map[string]any{"palette": paletteNames[rng.Intn(len(paletteNames))]}
	case 1:
		return map[string]any{"bpm": 60 + rng.Float64()*120}
	case 2:
		return map[string]any{"fx": map[string]any{
			"bloom":  rng.Float64(),
			"warp":   rng.Float64(),
			"strobe": rng.Intn(2) == 1,
		}}
	default:
		return map[string]any{fmt.Sprintf("layer.%d", rng.Intn(8)): map[string]any{
			"opacity": rng.Float64(),
			"seq":     n,
		}}
	}
}
