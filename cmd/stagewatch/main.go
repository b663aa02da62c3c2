// stagewatch is a live dashboard over an in-process rig of one
// control surface and N projectors. It shows per-surface revision,
// health and peer counts while you inject edits and outages from the
// keyboard.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/venuelab/stagesync/pkg/config"
	"github.com/venuelab/stagesync/pkg/health"
	"github.com/venuelab/stagesync/pkg/params"
	"github.com/venuelab/stagesync/pkg/surface"
	"github.com/venuelab/stagesync/pkg/transport"
)

var (
	flProjectors = flag.Int("projectors", 3, "number of projector surfaces")
	flLoss       = flag.Float64("loss", 0.0, "initial drop probability on broadcast [0..1]")
	flStoreDir   = flag.String("store", "", "store directory (default: a temp dir)")
	flSeed       = flag.Int64("seed", time.Now().UnixNano(), "random seed for injected edits")
)

// rig owns every surface plus the flaky links the keyboard toggles.
type rig struct {
	ctl   *surface.Surface
	projs []*surface.Surface
	links []*transport.Flaky
	rng   *rand.Rand

	mu     sync.Mutex
	events []string
	down   bool
	loss   float64
}

func (r *rig) log(format string, args ...any) {
	r.mu.Lock()
	r.events = append(r.events, time.Now().Format("15:04:05.000")+" "+fmt.Sprintf(format, args...))
	if len(r.events) > 200 {
		r.events = r.events[len(r.events)-200:]
	}
	r.mu.Unlock()
}

func (r *rig) recent(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) <= n {
		return append([]string(nil), r.events...)
	}
	return append([]string(nil), r.events[len(r.events)-n:]...)
}

func (r *rig) toggleOutage() {
	r.mu.Lock()
	r.down = !r.down
	down := r.down
	r.mu.Unlock()
	for _, l := range r.links {
		l.SetUp(!down)
	}
	if down {
		r.log("broadcast down")
	} else {
		r.log("broadcast up")
	}
}

func (r *rig) cycleLoss() {
	r.mu.Lock()
	switch {
	case r.loss == 0:
		r.loss = 0.25
	case r.loss < 0.6:
		r.loss = 0.75
	default:
		r.loss = 0
	}
	loss := r.loss
	r.mu.Unlock()
	for _, l := range r.links {
		l.SetLoss(loss)
	}
	r.log("loss=%.2f", loss)
}

func (r *rig) randomEdit() {
	changes := map[string]any{
		"palette": []string{"inferno", "viridis", "magma", "turbo"}[r.rng.Intn(4)],
		"bpm":     60 + r.rng.Float64()*120,
	}
	d, err := r.ctl.PublishParamsDelta(changes)
	if err != nil {
		r.log("edit rejected: %v", err)
		return
	}
	go func() {
		if !d.Succeeded() {
			r.log("edit %s failed on every channel", d.ID().String()[:8])
		}
	}()
	r.log("edit -> palette=%v", changes["palette"])
}

func (r *rig) fullSnapshot() {
	if _, err := r.ctl.PublishParamsSnapshot(); err != nil {
		r.log("snapshot rejected: %v", err)
		return
	}
	r.log("full snapshot published")
}

func (r *rig) resetSync() {
	r.ctl.ResetSync()
	r.log("sync reset, hello re-announced")
}

func (r *rig) close() {
	for _, p := range r.projs {
		p.Close()
	}
	r.ctl.Close()
}

func buildRig(cfg config.Config, dir string) (*rig, error) {
	r := &rig{rng: rand.New(rand.NewSource(*flSeed)), loss: *flLoss}
	hub := transport.NewHub(transport.WithMaxFrame(int(cfg.BroadcastMaxFrame)))
	chaos := transport.FlakyConfig{Loss: *flLoss, Up: true, Seed: *flSeed}

	openStore := func(self string) (*transport.Store, error) {
		return transport.OpenStore(dir, "stagewatch", self,
			transport.WithQuota(cfg.StoreQuota),
			transport.WithSnapshotInterval(cfg.SnapshotWriteInterval.Std()))
	}

	ctlSides := make([]transport.Transport, *flProjectors)
	projSides := make([]transport.Transport, *flProjectors)
	for i := range ctlSides {
		ctlSides[i], projSides[i] = transport.NewDirectPair()
	}

	ctlBC := transport.WrapFlaky(hub.Join("stage"), chaos)
	r.links = append(r.links, ctlBC)
	ctlStore, err := openStore("ctl")
	if err != nil {
		return nil, err
	}
	r.ctl = surface.New(params.RoleControl,
		surface.WithConfig(cfg),
		surface.WithTransports(append([]transport.Transport{ctlBC}, ctlSides...)...),
		surface.WithStore(ctlStore),
		surface.WithLogger(zap.NewNop().Sugar()))

	for i := 0; i < *flProjectors; i++ {
		name := fmt.Sprintf("proj%d", i)
		bc := transport.WrapFlaky(hub.Join("stage"), chaos)
		r.links = append(r.links, bc)
		st, err := openStore(name)
		if err != nil {
			return nil, err
		}
		p := surface.New(params.RoleProjector,
			surface.WithConfig(cfg),
			surface.WithTransports(bc, projSides[i]),
			surface.WithStore(st),
			surface.WithLogger(zap.NewNop().Sugar()))
		r.projs = append(r.projs, p)
	}

	for i, p := range r.projs {
		i := i
		p.OnParamsApplied(func(snap params.Snapshot) {
			r.log("proj%d applied r%d", i, snap.Revision)
		})
	}
	r.ctl.OnDegradedSync(func(st health.Status) {
		if st.Degraded {
			r.log("DEGRADED: %s", st.Remediation)
		} else {
			r.log("recovered")
		}
	})
	r.ctl.OnCriticalDeliveryFailure(func(f surface.Failure) {
		r.log("critical %v %s lost on every channel", f.Kind, f.ID.String()[:8])
	})

	r.ctl.Start()
	for _, p := range r.projs {
		p.Start()
	}
	return r, nil
}

func main() {
	flag.Parse()

	cfg := config.Default()
	dir := *flStoreDir
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "stagewatch-")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)
	}

	r, err := buildRig(cfg, dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer r.close()

	if _, err := tea.NewProgram(initialModel(r), tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
