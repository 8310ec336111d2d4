package visualiser

import (
	"fmt"
	"image/color"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/localise/internal/registration"
	"github.com/banshee-data/localise/internal/registration/icp"
)

const iterationQueueSize = 16

var (
	targetColor = color.RGBA{R: 150, G: 150, B: 150, A: 255}
	sourceColor = color.RGBA{R: 220, G: 50, B: 47, A: 255}
	pairColor   = color.RGBA{R: 38, G: 139, B: 210, A: 255}
)

// iterationSource is an engine that reports its iterations.
type iterationSource interface {
	SetObserver(fn func(icp.Iteration))
}

// Plotter renders a top-down view of each ICP iteration: target and source
// points plus a subsample of the correspondences between them. Rendering
// happens off the registration path; iterations arriving faster than they
// can be drawn are dropped.
type Plotter struct {
	mu           sync.Mutex
	outputDir    string
	maxDisplayed int
	running      bool
	frameIdx     int

	iterCh chan icp.Iteration
	stopCh chan struct{}
	wg     sync.WaitGroup

	rendered atomic.Uint64
	dropped  atomic.Uint64
}

var _ registration.Visualizer = (*Plotter)(nil)

// NewPlotter creates a plotter writing PNGs under outputDir.
func NewPlotter(outputDir string) *Plotter {
	return &Plotter{
		outputDir:    outputDir,
		maxDisplayed: 30,
	}
}

// SetMaxDisplayed caps the correspondence lines drawn per iteration.
func (p *Plotter) SetMaxDisplayed(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxDisplayed = n
}

// Bind subscribes to alg's iterations. Engines that do not report
// iterations are left alone.
func (p *Plotter) Bind(alg registration.Algorithm) {
	src, ok := alg.(iterationSource)
	if !ok {
		log.Printf("[Visualiser] engine %T does not report iterations, nothing to plot", alg)
		return
	}
	src.SetObserver(p.observe)
}

// Start creates the output directory and launches the render loop.
func (p *Plotter) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("plotter already running")
	}
	if err := os.MkdirAll(p.outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	p.iterCh = make(chan icp.Iteration, iterationQueueSize)
	p.stopCh = make(chan struct{})
	p.running = true

	p.wg.Add(1)
	go p.renderLoop(p.iterCh, p.stopCh)
	return nil
}

// Stop renders anything still queued and stops the render loop.
func (p *Plotter) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}

// Rendered returns the number of PNGs written.
func (p *Plotter) Rendered() uint64 { return p.rendered.Load() }

// Dropped returns the number of iterations skipped because the queue was full.
func (p *Plotter) Dropped() uint64 { return p.dropped.Load() }

// observe is called synchronously from Align and must not block.
func (p *Plotter) observe(it icp.Iteration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	select {
	case p.iterCh <- it:
	default:
		p.dropped.Add(1)
	}
}

func (p *Plotter) renderLoop(iterCh <-chan icp.Iteration, stopCh <-chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case it := <-iterCh:
			p.renderAndLog(it)
		case <-stopCh:
			for {
				select {
				case it := <-iterCh:
					p.renderAndLog(it)
				default:
					return
				}
			}
		}
	}
}

func (p *Plotter) renderAndLog(it icp.Iteration) {
	if err := p.render(it); err != nil {
		log.Printf("[Visualiser] iteration %d plot failed: %v", it.Number, err)
	}
}

// render writes one PNG for it.
func (p *Plotter) render(it icp.Iteration) error {
	p.mu.Lock()
	p.frameIdx++
	idx := p.frameIdx
	maxShown := p.maxDisplayed
	dir := p.outputDir
	p.mu.Unlock()

	pl := plot.New()
	pl.Title.Text = fmt.Sprintf("Registration iteration %d (MSE %.3g m²)", it.Number, it.MeanSquaredErr)
	pl.X.Label.Text = "X (m)"
	pl.Y.Label.Text = "Y (m)"

	targetPts := make(plotter.XYs, len(it.Target))
	for i, pt := range it.Target {
		targetPts[i] = plotter.XY{X: pt.X, Y: pt.Y}
	}
	sourcePts := make(plotter.XYs, len(it.Source))
	for i, pt := range it.Source {
		sourcePts[i] = plotter.XY{X: pt.X, Y: pt.Y}
	}

	if len(targetPts) > 0 {
		s, err := plotter.NewScatter(targetPts)
		if err != nil {
			return err
		}
		s.GlyphStyle.Color = targetColor
		s.GlyphStyle.Radius = vg.Points(1.5)
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		pl.Add(s)
		pl.Legend.Add("reference", s)
	}
	if len(sourcePts) > 0 {
		s, err := plotter.NewScatter(sourcePts)
		if err != nil {
			return err
		}
		s.GlyphStyle.Color = sourceColor
		s.GlyphStyle.Radius = vg.Points(1.5)
		s.GlyphStyle.Shape = draw.CrossGlyph{}
		pl.Add(s)
		pl.Legend.Add("scan", s)
	}

	for _, c := range displayedCorrespondences(it.Correspondences, maxShown) {
		if c.SourceIndex >= len(sourcePts) || c.TargetIndex >= len(targetPts) {
			continue
		}
		line, err := plotter.NewLine(plotter.XYs{sourcePts[c.SourceIndex], targetPts[c.TargetIndex]})
		if err != nil {
			return err
		}
		line.Color = pairColor
		line.Width = vg.Points(0.5)
		pl.Add(line)
	}

	pl.Legend.Top = true
	pl.Legend.Left = false
	pl.Legend.XOffs = -10
	pl.Legend.YOffs = -10

	file := filepath.Join(dir, fmt.Sprintf("registration_%05d_iter_%03d.png", idx, it.Number))
	if err := pl.Save(8*vg.Inch, 8*vg.Inch, file); err != nil {
		return fmt.Errorf("save iteration plot: %w", err)
	}
	p.rendered.Add(1)
	return nil
}

// displayedCorrespondences picks at most n pairs spread evenly across all.
func displayedCorrespondences(all []icp.Correspondence, n int) []icp.Correspondence {
	if n <= 0 || len(all) == 0 {
		return nil
	}
	if len(all) <= n {
		return all
	}
	out := make([]icp.Correspondence, n)
	step := float64(len(all)) / float64(n)
	for i := range out {
		out[i] = all[int(float64(i)*step)]
	}
	return out
}
