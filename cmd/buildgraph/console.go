package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aristath/buildgraph/internal/engine"
	"github.com/aristath/buildgraph/internal/events"
)

// console prints one line per finished node and a build summary. With
// progress set it also prints plan progress, and with output set it echoes
// every line the actions write.
type console struct {
	w        io.Writer
	progress bool
	output   bool

	mu  sync.Mutex // Serialises writes from the node and output readers
	bus *events.EventBus
}

func newConsole(w io.Writer, progress, output bool) *console {
	return &console{w: w, progress: progress, output: output}
}

// attach prints events from bus until it is closed. The returned channel
// closes once every event has been printed.
func (c *console) attach(bus *events.EventBus) <-chan struct{} {
	c.bus = bus
	topics := []string{events.TopicNode}
	if c.progress {
		topics = append(topics, events.TopicPlan)
	}
	readers := []<-chan events.Event{bus.SubscribeTopics(1024, topics...)}
	if c.output {
		readers = append(readers, bus.Subscribe(events.TopicOutput, 4096))
	}

	var wg sync.WaitGroup
	for _, ch := range readers {
		wg.Add(1)
		go func(ch <-chan events.Event) {
			defer wg.Done()
			for ev := range ch {
				c.print(ev)
			}
		}(ch)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

func (c *console) print(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e := ev.(type) {
	case events.NodeCompletedEvent:
		fmt.Fprintf(c.w, "> %s\n", e.ID)
	case events.NodeUpToDateEvent:
		fmt.Fprintf(c.w, "> %s UP-TO-DATE\n", e.ID)
	case events.NodeFailedEvent:
		fmt.Fprintf(c.w, "> %s FAILED\n", e.ID)
	case events.NodeSkippedEvent:
		fmt.Fprintf(c.w, "> %s SKIPPED\n", e.ID)
	case events.NodeOutputEvent:
		fmt.Fprintf(c.w, "  %s | %s\n", e.ID, e.Line)
	case events.PlanProgressEvent:
		finished := e.Completed + e.Failed + e.Skipped
		fmt.Fprintf(c.w, "  [%d/%d] %d running, %d waiting\n", finished, e.Total, e.Running, e.Pending)
	}
}

func (c *console) summary(result *engine.Result, err error) {
	status := "BUILD SUCCESSFUL"
	if err != nil {
		status = "BUILD FAILED"
	}
	fmt.Fprintf(c.w, "\n%s in %s\n", status, result.Duration.Round(time.Millisecond))

	parts := []string{
		fmt.Sprintf("%d executed", result.Count(engine.OutcomeExecuted)),
		fmt.Sprintf("%d up-to-date", result.Count(engine.OutcomeUpToDate)),
	}
	if n := result.Count(engine.OutcomeFailed); n > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", n))
	}
	if n := result.Count(engine.OutcomeSkipped); n > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", n))
	}
	fmt.Fprintf(c.w, "%d actionable units: %s\n", len(result.Nodes), strings.Join(parts, ", "))

	if len(result.Unclaimed) > 0 {
		fmt.Fprintf(c.w, "no worker accepted: %s\n", strings.Join(result.Unclaimed, ", "))
	}
	if c.bus != nil {
		if n := c.bus.Dropped(); n > 0 {
			fmt.Fprintf(c.w, "%d console events dropped\n", n)
		}
	}
}
