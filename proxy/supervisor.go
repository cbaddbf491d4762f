package proxy

import (
	"time"

	"github.com/dualwire/usbproxy/cache"
	"github.com/dualwire/usbproxy/pkg"
	"github.com/dualwire/usbproxy/rawgadget"
	"github.com/dualwire/usbproxy/upstream"
)

// speedHigh is the speed the gadget always advertises (spec §4.1: "speed =
// 3 (high speed)").
const speedHigh = rawgadget.SpeedHigh

// settleDelay is the pause after draining a pre-existing session, giving
// the downstream host time to notice the disconnect (spec §4.6).
const settleDelay = 200 * time.Millisecond

// Config holds the identifying information the Supervisor needs to open
// both ends of the splice.
type Config struct {
	VendorID    uint16
	ProductID   uint16
	GadgetPath  string
	DriverName  string
	DeviceName  string
}

// Supervisor sequences startup, the clean-connection drain, and shutdown,
// wiring the Descriptor Cache, EP0 Engine, and Endpoint Forwarder to a real
// gadget file and upstream device.
type Supervisor struct {
	cfg Config

	gadget   *rawgadget.GadgetIO
	upstream *upstream.Device
	cache    *cache.Cache
	state    *ProxyState
	engine   *EP0Engine
}

// NewSupervisor returns a Supervisor for cfg. GadgetPath defaults to
// rawgadget.DefaultDevicePath if empty.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.GadgetPath == "" {
		cfg.GadgetPath = rawgadget.DefaultDevicePath
	}
	return &Supervisor{cfg: cfg, state: &ProxyState{}}
}

// Start performs the ordered startup sequence (spec §4.6): open the
// upstream device and populate the cache, open and initialize the gadget,
// drain any pre-existing session, then return with the engine ready to run.
func (s *Supervisor) Start() error {
	up, err := upstream.Open(s.cfg.VendorID, s.cfg.ProductID)
	if err != nil {
		return err
	}
	s.upstream = up

	descCache := cache.New()
	if err := descCache.Populate(up); err != nil {
		up.Close()
		return err
	}
	s.cache = descCache

	gadget, err := rawgadget.Open(s.cfg.GadgetPath)
	if err != nil {
		up.Close()
		return err
	}
	s.gadget = gadget

	if err := gadget.Init(s.cfg.DriverName, s.cfg.DeviceName, speedHigh); err != nil {
		gadget.Close()
		up.Close()
		return err
	}
	if err := gadget.Run(); err != nil {
		gadget.Close()
		up.Close()
		return err
	}

	if err := s.drainPriorSession(); err != nil {
		gadget.Close()
		up.Close()
		return err
	}

	forwarder := NewEndpointForwarder(gadget, up, s.state)
	s.engine = NewEP0Engine(gadget, up, descCache, forwarder, s.state)

	pkg.LogInfo(pkg.ComponentSupervisor, "startup complete",
		"vendor", s.cfg.VendorID, "product", s.cfg.ProductID, "gadget", s.cfg.GadgetPath)
	return nil
}

// drainPriorSession implements the clean-connection sequence: if the
// gadget is already attached from a prior run (its first event is CONNECT
// or CONTROL), drain until a DISCONNECT or RESET, settle briefly, and let
// the EP0 Engine pick up the next fresh CONNECT on its own. Other leading
// event types are logged and skipped until one of the four recognized
// entry points appears.
func (s *Supervisor) drainPriorSession() error {
	for {
		eventType, _, err := s.gadget.FetchEvent()
		if err != nil {
			return pkg.NewGadgetIOError("fetchEvent", err)
		}

		switch eventType {
		case rawgadget.EventConnect, rawgadget.EventControl:
			pkg.LogInfo(pkg.ComponentSupervisor, "gadget already attached, draining stale session")
			if err := s.drainUntilIdle(); err != nil {
				return err
			}
			return nil

		case rawgadget.EventDisconnect, rawgadget.EventReset:
			return nil

		default:
			pkg.LogWarn(pkg.ComponentSupervisor, "unrecognized event during drain, skipping", "event", eventType)
		}
	}
}

func (s *Supervisor) drainUntilIdle() error {
	for {
		eventType, _, err := s.gadget.FetchEvent()
		if err != nil {
			return pkg.NewGadgetIOError("fetchEvent", err)
		}
		if eventType == rawgadget.EventDisconnect || eventType == rawgadget.EventReset {
			time.Sleep(settleDelay)
			return nil
		}
	}
}

// Run hands control to the EP0 Engine event loop. It blocks until Stop is
// called or a fatal gadget error occurs.
func (s *Supervisor) Run() error {
	return s.engine.Run()
}

// Stop performs the shutdown sequence (spec §4.6): stop the event loop,
// teardown the forwarder, close the gadget, release the upstream device.
func (s *Supervisor) Stop() {
	if s.engine != nil {
		s.engine.Stop()
	}
	if s.engine != nil && s.engine.forwarder != nil {
		s.engine.forwarder.Teardown()
	}
	if s.gadget != nil {
		if err := s.gadget.Close(); err != nil {
			pkg.LogWarn(pkg.ComponentSupervisor, "gadget close failed", "error", err)
		}
	}
	if s.upstream != nil {
		if err := s.upstream.Close(); err != nil {
			pkg.LogWarn(pkg.ComponentSupervisor, "upstream close failed", "error", err)
		}
	}
	pkg.LogInfo(pkg.ComponentSupervisor, "shutdown complete")
}
