package watermark

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/atomic"
	"houseplans.app/cloud/internal/assets"
	"houseplans.app/cloud/internal/logger"
	"houseplans.app/cloud/internal/metrics"
	"houseplans.app/cloud/models"
)

const DefaultTimeout = 30 * time.Second

// Entitlements answers the two questions a download needs: may this token
// have the product, and where does the product's asset live.
type Entitlements interface {
	IsEntitled(ctx context.Context, productID int64, token string) (bool, error)
	Product(ctx context.Context, id int64) (*models.Product, error)
}

// Download is a fully rendered derivative, ready to send.
type Download struct {
	Body        []byte
	ContentType string
	Filename    string
}

type Stats struct {
	Renders  int64
	Failures int64
}

type Pipeline struct {
	entitlements Entitlements
	assets       assets.Store
	text         string
	timeout      time.Duration
	selectFn     func(src []byte, key, text string) Watermarker

	renders  *atomic.Int64
	failures *atomic.Int64
}

func NewPipeline(entitlements Entitlements, store assets.Store, text string, timeout time.Duration) *Pipeline {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Pipeline{
		entitlements: entitlements,
		assets:       store,
		text:         text,
		timeout:      timeout,
		selectFn:     Select,
		renders:      atomic.NewInt64(0),
		failures:     atomic.NewInt64(0),
	}
}

func (p *Pipeline) Stats() Stats {
	return Stats{Renders: p.renders.Load(), Failures: p.failures.Load()}
}

// RenderDownload checks the entitlement, loads the product's source asset and
// returns a freshly stamped copy. Nothing is returned unless rendering finished.
func (p *Pipeline) RenderDownload(ctx context.Context, productID int64, token string) (*Download, error) {
	entitled, err := p.entitlements.IsEntitled(ctx, productID, token)
	if err != nil {
		return nil, fmt.Errorf("check entitlement: %w", err)
	}
	if !entitled {
		return nil, fmt.Errorf("%w: token does not grant product %d", models.ErrUnauthorized, productID)
	}

	product, err := p.entitlements.Product(ctx, productID)
	if err != nil {
		return nil, err
	}

	src, err := p.readAsset(ctx, product.AssetKey)
	if err != nil {
		return nil, err
	}

	wm := p.selectFn(src, product.AssetKey, p.text)
	buf, result, err := p.render(ctx, wm, src)
	if err != nil {
		p.failures.Inc()
		metrics.RenderFailures.WithLabelValues(wm.Kind()).Inc()
		logger.Error("watermark render failed", map[string]interface{}{
			"product_id": productID,
			"kind":       wm.Kind(),
			"error":      err.Error(),
		})
		return nil, fmt.Errorf("%w: %v", models.ErrProcessing, err)
	}
	p.renders.Inc()

	return &Download{
		Body:        buf,
		ContentType: result.ContentType,
		Filename:    fmt.Sprintf("plan-%d%s", productID, result.Ext),
	}, nil
}

func (p *Pipeline) readAsset(ctx context.Context, key string) ([]byte, error) {
	rc, err := p.assets.Open(ctx, key)
	if err != nil {
		if errors.Is(err, assets.ErrNotFound) {
			return nil, fmt.Errorf("%w: source asset missing", models.ErrNotFound)
		}
		return nil, fmt.Errorf("open source asset: %w", err)
	}
	defer rc.Close()

	src, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read source asset: %w", err)
	}
	return src, nil
}

type renderResult struct {
	body   []byte
	result Result
	err    error
}

// render runs wm under the pipeline timeout. The libraries take no context,
// so a render that overruns is abandoned and its output discarded.
func (p *Pipeline) render(ctx context.Context, wm Watermarker, src []byte) ([]byte, Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan renderResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- renderResult{err: fmt.Errorf("%s watermarker panicked: %v", wm.Kind(), r)}
			}
		}()
		var buf bytes.Buffer
		result, err := wm.Watermark(src, &buf)
		done <- renderResult{body: buf.Bytes(), result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, Result{}, fmt.Errorf("%s render: %w", wm.Kind(), ctx.Err())
	case r := <-done:
		metrics.RenderDuration.WithLabelValues(wm.Kind()).Observe(time.Since(start).Seconds())
		if r.err != nil {
			return nil, Result{}, r.err
		}
		return r.body, r.result, nil
	}
}
