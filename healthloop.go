package keel

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// healthLoop probes every component at a fixed interval until ctx is
// cancelled. The in-flight iteration finishes before the loop exits, so
// Shutdown's wg.Wait observes a quiesced registry.
func (o *Orchestrator) healthLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.checkAll(ctx)
		}
	}
}

// checkAll probes every registered component with bounded fanout.
func (o *Orchestrator) checkAll(ctx context.Context) {
	o.mu.RLock()
	comps := make([]*component, 0, len(o.order))
	for _, name := range o.order {
		comps = append(comps, o.components[name])
	}
	o.mu.RUnlock()

	sem := semaphore.NewWeighted(o.maxProbes)
	var wg sync.WaitGroup
	for _, c := range comps {
		if err := sem.Acquire(ctx, 1); err != nil {
			break // shutdown mid-iteration
		}
		wg.Add(1)
		go func(c *component) {
			defer wg.Done()
			defer sem.Release(1)
			o.checkComponent(ctx, c)
		}(c)
	}
	wg.Wait()
}

// checkComponent runs one component's health probe through its executor,
// records the resulting status, and notifies health callbacks.
func (o *Orchestrator) checkComponent(ctx context.Context, c *component) {
	probeCtx, cancel := context.WithTimeout(ctx, o.probeTimeout)
	defer cancel()

	var detail map[string]any
	err := c.executor.Probe(probeCtx, func(ctx context.Context) error {
		healthy, d, herr := c.conn.HealthCheck(ctx)
		detail = d
		if herr != nil {
			return herr
		}
		if !healthy {
			return ErrUnhealthy
		}
		return nil
	})

	now := time.Now().UTC()
	o.mu.Lock()
	c.lastCheckedAt = now
	if err != nil {
		c.status = StatusUnhealthy
		c.errorCount++
		c.lastError = err.Error()
	} else {
		c.status = StatusHealthy
		c.lastError = ""
	}
	status := c.status
	o.mu.Unlock()

	if err != nil {
		o.logger.Warn("component health check failed",
			"component", c.name, "error", err, "detail", detail)
	} else {
		o.logger.Debug("component health check passed", "component", c.name)
	}

	for _, cb := range o.copyHealthCallbacks() {
		cb(c.name, status)
	}
	if o.observer != nil {
		o.observer.ObserveHealth(c.name, status)
	}
}
