package main

import (
	"context"

	"github.com/tyrexcad/cadcore/pkg/bus"
)

// storageStub stands in for the storage module: it answers
// storage.get/storage.put over its scoped handle and reports healthy once
// started.
type storageStub struct {
	handle *bus.ScopedHandle
	unsub  bus.UnsubscribeFunc
	data   map[string]any
}

func newStorageStub(handle *bus.ScopedHandle, _ string) (any, error) {
	return &storageStub{handle: handle, data: make(map[string]any)}, nil
}

func (s *storageStub) Start(context.Context) error {
	unsub, err := s.handle.Subscribe("storage.*", s.handleRequest)
	if err != nil {
		return err
	}
	s.unsub = unsub
	return nil
}

func (s *storageStub) Stop(context.Context) error {
	if s.unsub != nil {
		s.unsub()
	}
	return nil
}

func (s *storageStub) HealthCheck(context.Context) error { return nil }

func (s *storageStub) handleRequest(msg *bus.Message) error {
	if msg.RequestID == "" {
		return nil
	}
	req, _ := msg.Data.(map[string]any)
	key, _ := req["key"].(string)

	switch msg.Event {
	case "storage.get":
		return s.handle.Reply(msg.RequestID, true, s.data[key], "")
	case "storage.put":
		s.data[key] = req["value"]
		return s.handle.Reply(msg.RequestID, true, map[string]any{"stored": key}, "")
	default:
		return s.handle.Reply(msg.RequestID, false, nil, "storage: unknown operation")
	}
}

// viewportStub stands in for the viewport module: it listens for
// storage.put events to mimic a read-model that reacts to state changes.
type viewportStub struct {
	handle *bus.ScopedHandle
	unsub  bus.UnsubscribeFunc
}

func newViewportStub(handle *bus.ScopedHandle, _ string) (any, error) {
	return &viewportStub{handle: handle}, nil
}

func (v *viewportStub) Start(context.Context) error {
	unsub, err := v.handle.Subscribe("storage.put", v.onStoragePut)
	if err != nil {
		return err
	}
	v.unsub = unsub
	return nil
}

func (v *viewportStub) Stop(context.Context) error {
	if v.unsub != nil {
		v.unsub()
	}
	return nil
}

func (v *viewportStub) HealthCheck(context.Context) error { return nil }

func (v *viewportStub) onStoragePut(msg *bus.Message) error {
	_, _ = v.handle.Emit("viewport.invalidated", msg.Data)
	return nil
}
