// Package pkg provides shared utilities for the usbproxy USB man-in-the-middle
// proxy.
//
// This package contains common functionality used across the gadget,
// upstream, cache, and proxy packages, including:
//
//   - Structured, component-tagged logging via [github.com/sirupsen/logrus]
//   - Sentinel and wrapped error types matching the proxy's error taxonomy
//
// # Logging
//
//	pkg.SetLogLevel(logrus.DebugLevel)
//	pkg.LogInfo(pkg.ComponentEP0, "device configured", "config", 1)
//
// # Errors
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // downstream request could not be satisfied
//	}
package pkg
