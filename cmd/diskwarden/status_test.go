package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/diskwarden/internal/config"
	"git.home.luguber.info/inful/diskwarden/internal/lifecycle"
	"git.home.luguber.info/inful/diskwarden/internal/optracker"
	"git.home.luguber.info/inful/diskwarden/internal/registry"
	"git.home.luguber.info/inful/diskwarden/internal/store"
	"git.home.luguber.info/inful/diskwarden/internal/topology"
)

func TestRunStatusAgainstSeededDatabase(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "state.db")},
		Host:     config.HostConfig{Region: "us-east", Backend: "ceph", Hostname: "storage-01"},
	}

	st, err := store.Open(cfg.Database.Path)
	require.NoError(t, err)

	catalog := topology.New(st)
	detail, err := catalog.EnsureHost(ctx, cfg.HostInfo())
	require.NoError(t, err)
	dev, err := catalog.AddDevice(ctx, detail.DetailID, "sdb", "/dev/sdb", nil)
	require.NoError(t, err)

	reg := registry.New(st)
	inst, err := reg.Register(ctx, "10.0.0.1", 4242)
	require.NoError(t, err)

	tracker := optracker.New(st, lifecycle.NewMachine(st), nil, nil)
	op, err := tracker.Open(ctx, dev.DeviceID, inst.EntryID, "routine check", "")
	require.NoError(t, err)
	step, err := tracker.AppendStep(ctx, op.OperationID, lifecycle.OpWaitForReplacement)
	require.NoError(t, err)
	require.NoError(t, tracker.AttachTrackingRef(ctx, step.DetailID, "TICKET-9"))
	_, err = tracker.Advance(ctx, step.DetailID, lifecycle.StatusInProgress, time.Now())
	require.NoError(t, err)
	require.NoError(t, st.Close())

	require.NoError(t, runStatus(cfg, false))
	require.NoError(t, runStatus(cfg, true))
}

func TestRunStatusUnregisteredHost(t *testing.T) {
	cfg := &config.Config{
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "state.db")},
		Host:     config.HostConfig{Region: "us-east", Backend: "ceph", Hostname: "storage-01"},
	}
	require.Error(t, runStatus(cfg, false))
}
