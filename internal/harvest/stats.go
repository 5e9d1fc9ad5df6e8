package harvest

// Stats accumulates the per-semester harvest totals.
type Stats struct {
	TotalEntries   int
	NewEntries     int
	UpdatedEntries int
	SkippedRows    int
	Programs       int
}

func (s *Stats) add(d Stats) {
	s.TotalEntries += d.TotalEntries
	s.NewEntries += d.NewEntries
	s.UpdatedEntries += d.UpdatedEntries
	s.SkippedRows += d.SkippedRows
	s.Programs += d.Programs
}

// statsCollector owns the aggregate. Workers report per-program deltas
// over a channel; a single goroutine folds them in, so no worker ever
// touches the sum directly.
type statsCollector struct {
	deltas chan Stats
	done   chan Stats
}

func newStatsCollector(buffer int) *statsCollector {
	c := &statsCollector{
		deltas: make(chan Stats, buffer),
		done:   make(chan Stats, 1),
	}
	go func() {
		var total Stats
		for d := range c.deltas {
			total.add(d)
		}
		c.done <- total
	}()
	return c
}

// report sends one program's delta to the collector.
func (c *statsCollector) report(d Stats) {
	c.deltas <- d
}

// wait closes the intake and returns the final aggregate. Call exactly
// once, after every reporter has finished.
func (c *statsCollector) wait() Stats {
	close(c.deltas)
	return <-c.done
}
