// Command usbproxy presents a raw-gadget device that mirrors a real
// upstream USB peripheral, splicing EP0 control transfers and bulk/
// interrupt endpoints between a downstream host and that device.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jpillora/opts"
	"github.com/sirupsen/logrus"

	"github.com/dualwire/usbproxy/pkg"
	"github.com/dualwire/usbproxy/pkg/linux/usbid"
	"github.com/dualwire/usbproxy/pkg/prof"
	"github.com/dualwire/usbproxy/proxy"
)

const componentMain pkg.Component = "main"

// config is the CLI surface (spec §6): vendor/product IDs select the
// upstream device, device/driver name the UDC the gadget binds to.
type config struct {
	VendorID  string `opts:"name=vendor_id" help:"upstream device vendor ID (hex)"`
	ProductID string `opts:"name=product_id" help:"upstream device product ID (hex)"`
	Device    string `opts:"name=device" help:"UDC device name"`
	Driver    string `opts:"name=driver" help:"UDC driver name"`
	Gadget    string `opts:"name=gadget" help:"path to the raw-gadget character device"`
	JSON      bool   `opts:"name=json" help:"emit logs as JSON"`
	Verbose   bool   `opts:"name=verbose,short=v" help:"enable debug logging"`
	Profile   string `opts:"name=profile" help:"write a CPU profile to this path on exit"`
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config{
		Device: "dummy_udc.0",
		Driver: "dummy_udc",
	}
	opts.New(&cfg).
		Name("usbproxy").
		Summary("USB man-in-the-middle proxy over a Linux raw-gadget device").
		Parse()

	if cfg.JSON {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	}
	if cfg.Verbose {
		pkg.SetLogLevel(logrus.DebugLevel)
	} else {
		pkg.SetLogLevel(logrus.InfoLevel)
	}

	if cfg.Profile != "" {
		if err := prof.StartCPU(cfg.Profile); err != nil {
			pkg.LogError(componentMain, "failed to start CPU profile", "path", cfg.Profile, "error", err)
			return 2
		}
		defer prof.StopCPU()
	}

	vendor, err := parseHexID(cfg.VendorID)
	if err != nil {
		pkg.LogError(componentMain, "invalid --vendor_id", "value", cfg.VendorID, "error", err)
		return 2
	}
	product, err := parseHexID(cfg.ProductID)
	if err != nil {
		pkg.LogError(componentMain, "invalid --product_id", "value", cfg.ProductID, "error", err)
		return 2
	}

	logUpstreamIdentity(vendor, product)

	supervisor := proxy.NewSupervisor(proxy.Config{
		VendorID:   vendor,
		ProductID:  product,
		GadgetPath: cfg.Gadget,
		DriverName: cfg.Driver,
		DeviceName: cfg.Device,
	})

	if err := supervisor.Start(); err != nil {
		pkg.LogError(componentMain, "startup failed", "error", err)
		return 1
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		pkg.LogInfo(componentMain, "signal received, shutting down", "signal", s)
		supervisor.Stop()
	}()

	if err := supervisor.Run(); err != nil {
		pkg.LogError(componentMain, "fatal error in event loop", "error", err)
		supervisor.Stop()
		return 1
	}

	supervisor.Stop()
	return 0
}

// logUpstreamIdentity looks up human-readable vendor/product names from the
// system USB ID database, if one is present, purely for operator-friendly
// startup logging.
func logUpstreamIdentity(vendor, product uint16) {
	db := usbid.New()
	if !db.Load() {
		return
	}
	pkg.LogInfo(componentMain, "resolved upstream identity",
		"vendor", db.LookupVendor(vendor), "product", db.LookupProduct(vendor, product))
}

func parseHexID(s string) (uint16, error) {
	if s == "" {
		return 0, fmt.Errorf("must not be empty")
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
