// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package fleet registers many devices concurrently on a fan pool.
package fleet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mochi-mqtt/provisioner/storage"
)

var (
	// ErrNoDevices indicates a device list contained no registration ids.
	ErrNoDevices = errors.New("no devices to register")

	// ErrDuplicateDevice indicates a registration id was listed twice.
	ErrDuplicateDevice = errors.New("duplicate registration id")
)

// Device is a single device to be registered.
type Device struct {
	RegistrationID string
}

// Result is the outcome of registering a device.
type Result struct {
	RegistrationID string                `json:"registrationId"`
	Registration   *storage.Registration `json:"registration,omitempty"`
	Err            error                 `json:"-"`
}

// RegisterFn registers a single device, blocking until it completes.
type RegisterFn func(ctx context.Context, d Device) (*storage.Registration, error)

// Run registers every device using fn on a pool of workers and returns the
// results in the order the devices were given. Devices not yet started when
// ctx is cancelled fail with the context error.
func Run(ctx context.Context, devices []Device, workers uint64, fn RegisterFn) []Result {
	if workers == 0 {
		workers = 1
	}

	results := make([]Result, len(devices))
	pool := NewFanPool(workers, uint64(len(devices)))
	for i, d := range devices {
		i, d := i, d
		pool.Enqueue(d.RegistrationID, func() {
			results[i].RegistrationID = d.RegistrationID
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return
			}

			results[i].Registration, results[i].Err = fn(ctx, d)
		})
	}

	pool.Close()
	pool.Wait()

	return results
}

// Failed returns the number of results which ended in error.
func Failed(results []Result) int {
	var n int
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// ParseDevices reads one registration id per line from r. Blank lines and
// lines starting with # are skipped.
func ParseDevices(r io.Reader) ([]Device, error) {
	var devices []Device
	seen := make(map[string]struct{})

	scanner := bufio.NewScanner(r)
	for line := 1; scanner.Scan(); line++ {
		id := strings.TrimSpace(scanner.Text())
		if id == "" || strings.HasPrefix(id, "#") {
			continue
		}

		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("%w: %s on line %d", ErrDuplicateDevice, id, line)
		}
		seen[id] = struct{}{}
		devices = append(devices, Device{RegistrationID: id})
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(devices) == 0 {
		return nil, ErrNoDevices
	}

	return devices, nil
}
