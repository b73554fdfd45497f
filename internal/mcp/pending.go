package mcp

import (
	"context"
	"sync"
)

// pendingCalls routes responses read off a shared connection back to the
// request that is waiting for them. Once the reader stops, fail releases
// every waiter with the reader's error.
type pendingCalls struct {
	mu    sync.Mutex
	calls map[int]chan JSONRPCResponse
	err   error
}

// add reserves a slot for id. It fails when the connection is already gone.
func (p *pendingCalls) add(id int) (chan JSONRPCResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if p.calls == nil {
		p.calls = make(map[int]chan JSONRPCResponse)
	}
	ch := make(chan JSONRPCResponse, 1)
	p.calls[id] = ch
	return ch, nil
}

func (p *pendingCalls) remove(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.calls, id)
}

// deliver hands resp to its waiter. Notifications and replies nobody waits
// for any more are dropped.
func (p *pendingCalls) deliver(resp JSONRPCResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.calls[resp.ID]
	if !ok {
		return
	}
	delete(p.calls, resp.ID)
	ch <- resp
}

func (p *pendingCalls) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return
	}
	p.err = err
	for id, ch := range p.calls {
		close(ch)
		delete(p.calls, id)
	}
}

// wait blocks until the response for id arrives or ctx ends. A failed
// connection releases it early with the reader's error.
func (p *pendingCalls) wait(ctx context.Context, id int, ch chan JSONRPCResponse) (JSONRPCResponse, error) {
	select {
	case resp, ok := <-ch:
		if !ok {
			p.mu.Lock()
			err := p.err
			p.mu.Unlock()
			return JSONRPCResponse{}, err
		}
		return resp, nil
	case <-ctx.Done():
		p.remove(id)
		return JSONRPCResponse{}, ctx.Err()
	}
}
