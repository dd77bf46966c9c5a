package raft

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/anishathalye/porcupine"
	"github.com/stretchr/testify/require"

	"github.com/umit/resql/internal/wire"
)

// regOp is one operation against a single replicated register.
type regOp struct {
	write bool
	value string
}

var registerModel = porcupine.Model{
	Init: func() interface{} { return "" },
	Step: func(state, input, output interface{}) (bool, interface{}) {
		op := input.(regOp)
		if op.write {
			return true, op.value
		}
		return output.(string) == state.(string), state
	},
	Equal: func(a, b interface{}) bool { return a == b },
}

// trySubmit is a non-fatal submit usable from concurrent workers: it proposes
// through whichever node currently claims leadership and confirms the entry
// applied there.
func trySubmit(c *cluster, e *wire.LogEntry) (int64, bool) {
	for _, id := range c.connectedIDs() {
		cn := c.node(id)
		if cn == nil {
			continue
		}
		if _, isLeader := cn.rf.State(); !isLeader {
			continue
		}
		clone := *e
		idx, term, ok := cn.rf.Submit(&clone)
		if !ok {
			continue
		}
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if cn.rf.AppliedIndex() >= idx {
				if curTerm, _ := cn.rf.State(); curTerm == term {
					return idx, true
				}
				return 0, false
			}
			time.Sleep(2 * time.Millisecond)
		}
		return 0, false
	}
	return 0, false
}

// tryRead runs one read-index round on the current leader and serves the
// register from its applied state.
func tryRead(c *cluster, key string) (string, bool) {
	for _, id := range c.connectedIDs() {
		cn := c.node(id)
		if cn == nil {
			continue
		}
		if _, isLeader := cn.rf.State(); !isLeader {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		readIdx, err := cn.rf.ReadIndex(ctx)
		cancel()
		if err != nil {
			return "", false
		}
		deadline := time.Now().Add(time.Second)
		for cn.machine.AppliedIndex() < readIdx {
			if !time.Now().Before(deadline) {
				return "", false
			}
			time.Sleep(2 * time.Millisecond)
		}
		v, _ := cn.engine.Get(key)
		return v, true
	}
	return "", false
}

func TestRegisterLinearizability(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping linearizability check in short mode")
	}
	c := newCluster(t, 3)

	const (
		writers        = 3
		readers        = 2
		writesPerActor = 12
		readsPerActor  = 25
	)

	begin := time.Now()
	var mu sync.Mutex
	var history []porcupine.Operation
	record := func(client int, input regOp, call time.Time, output string) {
		mu.Lock()
		defer mu.Unlock()
		history = append(history, porcupine.Operation{
			ClientId: client,
			Input:    input,
			Call:     call.Sub(begin).Nanoseconds(),
			Output:   output,
			Return:   time.Since(begin).Nanoseconds(),
		})
	}

	sessions := make([]int64, writers)
	for w := 0; w < writers; w++ {
		sessions[w] = c.connectSession(fmt.Sprintf("writer-%d", w))
	}

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			session := sessions[w]
			for i := 1; i <= writesPerActor; i++ {
				value := fmt.Sprintf("w%d-%d", w, i)
				op := regOp{write: true, value: value}
				call := time.Now()
				e := &wire.LogEntry{
					Kind:     wire.EntryCommand,
					Session:  session,
					Sequence: int64(i),
					Data:     wire.EncodeBatch([]string{"SET r " + value}),
				}
				// Retries reuse the sequence number, so a write that
				// committed despite an error is never applied twice.
				for {
					if _, ok := trySubmit(c, e); ok {
						break
					}
					time.Sleep(10 * time.Millisecond)
				}
				record(w, op, call, "")
			}
		}(w)
	}
	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := 0; i < readsPerActor; i++ {
				call := time.Now()
				var value string
				for {
					v, ok := tryRead(c, "r")
					if ok {
						value = v
						break
					}
					time.Sleep(10 * time.Millisecond)
				}
				record(writers+r, regOp{}, call, value)
			}
		}(r)
	}

	// A mid-run leader change must not open a window for stale reads or
	// lost writes.
	time.Sleep(300 * time.Millisecond)
	old := c.waitForLeader()
	c.disconnect(old)
	time.Sleep(500 * time.Millisecond)
	c.reconnect(old)

	wg.Wait()
	require.True(t, porcupine.CheckOperations(registerModel, history),
		"history is not linearizable")
}
