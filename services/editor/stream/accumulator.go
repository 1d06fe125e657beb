// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// AccumulatorBufferSize is the mlocked buffer capacity for one
	// stream's generated output. 512 KB covers long regenerations with
	// room to spare.
	AccumulatorBufferSize = 512 * 1024

	// minMlockLimitKB is the mlock limit required for secure buffers.
	minMlockLimitKB = 512
)

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// TokenAccumulator collects one stream's generated output. Deltas are
// hashed incrementally as they arrive, so the final hash covers exactly
// the bytes that were buffered, and the buffer is wiped on Finalize or
// Destroy.
//
// Implementations are safe for concurrent use. An accumulator cannot be
// reused after Finalize or Destroy.
type TokenAccumulator interface {
	// Write appends one delta. Fails once the buffer capacity is
	// exceeded; the overflow is not recoverable.
	Write(delta string) error

	// Finalize returns the accumulated text and its hex SHA-256, then
	// wipes the buffer.
	Finalize() (text string, hash string, err error)

	// Destroy wipes the buffer without returning data. Idempotent.
	Destroy()

	// ID identifies the accumulator in logs.
	ID() string
}

// NewAccumulator returns a secure mlocked accumulator, falling back to
// plain memory with a warning when the system's mlock limit is too low
// to hold one.
func NewAccumulator() TokenAccumulator {
	initMemguard()

	if !mlockSufficient {
		return newPlainAccumulator()
	}
	return newSecureAccumulator()
}

func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("Secure memory initialized",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", minMlockLimitKB)
		} else {
			slog.Warn("mlock limit insufficient, stream buffers use plain memory",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", minMlockLimitKB)
		}
	})
}

func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minMlockLimitKB, limitKB
}

// secureAccumulator stores output in a memguard LockedBuffer: mlocked
// against swapping, guard-paged, and zeroed on destruction.
type secureAccumulator struct {
	id        string
	createdAt time.Time

	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func newSecureAccumulator() TokenAccumulator {
	return &secureAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		buffer:    memguard.NewBuffer(AccumulatorBufferSize),
		hasher:    sha256.New(),
	}
}

func (a *secureAccumulator) Write(delta string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow, response too large")
	}
	if a.offset+len(delta) > AccumulatorBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			len(delta), AccumulatorBufferSize-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], delta)
	a.offset += len(delta)
	a.hasher.Write([]byte(delta))
	return nil
}

func (a *secureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	text := string(a.buffer.Bytes()[:a.offset])
	sum := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	slog.Debug("Finalized secure accumulator",
		"accumulator_id", a.id, "length", len(text), "lifetime", time.Since(a.createdAt))
	return text, sum, nil
}

func (a *secureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *secureAccumulator) ID() string { return a.id }

func (a *secureAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// plainAccumulator is the fallback for systems without enough mlock
// headroom. Same contract, no swap protection.
type plainAccumulator struct {
	id        string
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func newPlainAccumulator() TokenAccumulator {
	a := &plainAccumulator{
		id:     uuid.New().String(),
		data:   make([]byte, 0, 4096),
		hasher: sha256.New(),
	}
	slog.Warn("Created plain-memory accumulator, output may be swapped to disk",
		"accumulator_id", a.id)
	return a
}

func (a *plainAccumulator) Write(delta string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow, response too large")
	}
	if len(a.data)+len(delta) > AccumulatorBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(delta), AccumulatorBufferSize-len(a.data))
	}

	a.data = append(a.data, delta...)
	a.hasher.Write([]byte(delta))
	return nil
}

func (a *plainAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	text := string(a.data)
	sum := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return text, sum, nil
}

func (a *plainAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *plainAccumulator) ID() string { return a.id }

func (a *plainAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

var (
	_ TokenAccumulator = (*secureAccumulator)(nil)
	_ TokenAccumulator = (*plainAccumulator)(nil)
)
