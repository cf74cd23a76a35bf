package main

import (
	"context"
	"fmt"
	"time"

	"git.home.luguber.info/inful/diskwarden/internal/config"
	"git.home.luguber.info/inful/diskwarden/internal/lifecycle"
	"git.home.luguber.info/inful/diskwarden/internal/optracker"
	"git.home.luguber.info/inful/diskwarden/internal/registry"
	"git.home.luguber.info/inful/diskwarden/internal/store"
	"git.home.luguber.info/inful/diskwarden/internal/topology"
)

// runStatus prints the stored view of this host: its devices, any open
// operations and the registry entries presumed alive.
func runStatus(cfg *config.Config, allTickets bool) error {
	ctx := context.Background()
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	catalog := topology.New(st)
	tracker := optracker.New(st, lifecycle.NewMachine(st), nil, nil)
	reg := registry.New(st)

	detail, err := catalog.ResolveStorageDetail(ctx, cfg.Host.Region,
		cfg.HostInfo().Backend, cfg.Host.Hostname)
	if err != nil {
		return fmt.Errorf("host %s is not registered yet: %w", cfg.Host.Hostname, err)
	}

	fmt.Printf("host %s (%s, %s)\n\n", detail.Hostname, detail.Region, detail.Backend)

	fmt.Println("devices:")
	cursor := catalog.Devices(detail.DetailID)
	for {
		dev, err := cursor.Next(ctx)
		if err != nil {
			return err
		}
		if dev == nil {
			break
		}
		smart := "unchecked"
		if dev.SmartPassed != nil {
			smart = "failed"
			if *dev.SmartPassed {
				smart = "passed"
			}
		}
		fmt.Printf("  %-12s %-20s state=%-10s smart=%s\n", dev.Name, dev.Path, dev.State, smart)

		op, err := tracker.OpenForDevice(ctx, dev.DeviceID)
		if err != nil {
			continue
		}
		age := time.Since(op.SnapshotTime).Round(time.Second)
		fmt.Printf("    open operation %d (entry %d, snapshot %s ago)\n",
			op.OperationID, op.EntryID, age)
		steps, err := tracker.Steps(ctx, op.OperationID)
		if err != nil {
			return err
		}
		for _, step := range steps {
			line := fmt.Sprintf("      %s: %s", step.Type, step.Status)
			if step.TrackingID != "" {
				line += " ticket=" + step.TrackingID
			}
			fmt.Println(line)
		}
	}

	var tickets []optracker.RepairTicket
	if allTickets {
		tickets, err = tracker.AllPendingTickets(ctx)
	} else {
		tickets, err = tracker.OutstandingTickets(ctx, detail.DetailID)
	}
	if err != nil {
		return err
	}
	if len(tickets) > 0 {
		fmt.Printf("\noutstanding repair tickets (%d):\n", len(tickets))
		for _, tk := range tickets {
			fmt.Printf("  %-20s %s (%s)\n", tk.TrackingID, tk.DeviceName, tk.DevicePath)
		}
	}

	instances, err := reg.ListActive(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("\nactive instances (%d):\n", len(instances))
	for _, inst := range instances {
		age := time.Since(inst.SnapshotTime).Round(time.Second)
		fmt.Printf("  entry %-4d %s pid=%-6d status=%-8s snapshot %s ago\n",
			inst.EntryID, inst.IP, inst.PID, inst.Status, age)
	}
	return nil
}
