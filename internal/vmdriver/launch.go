package vmdriver

import (
	"fmt"
	"strconv"
	"strings"
)

// buildArgs assembles the VM launch command line: a base
// template, the control-socket chardev, a nyx device descriptor carrying
// work-directory and buffer sizes, optional trace/PT options, optional
// IP-filter ranges, optional share directory, optional serial redirection,
// memory size, optional image/kernel/initrd/bios/append, and snapshot
// load/create options.
func (d *Driver) buildArgs() []string {
	vm := d.cfg.VM
	base := vm.BaseArgs
	if d.mode == Symbolic && vm.SyxBaseArgs != "" {
		base = vm.SyxBaseArgs
	}

	args := strings.Fields(base)

	args = append(args,
		"-chardev", fmt.Sprintf("socket,id=nyx_interface,path=%s,server=on,wait=off", d.paths.interfaceSoc),
		"-device", fmt.Sprintf(
			"nyx,chardev=nyx_interface,workdir=%s,worker_id=%d,bitmap_size=%d,payload_size=%d",
			d.cfg.WorkDir, d.pid, vm.BitmapSize, vm.PayloadSize,
		),
	)

	if vm.Trace {
		args = append(args, "-nyx-trace")
	}
	if vm.TraceCB {
		args = append(args, "-nyx-trace-cb")
	}

	for i, ipr := range vm.IPFilters {
		if ipr == nil {
			continue
		}
		args = append(args, fmt.Sprintf("-nyx-ip-filter-%d", i),
			fmt.Sprintf("%#x-%#x", ipr.Low, ipr.High))
	}

	if vm.Sharedir != "" {
		args = append(args, "-virtfs",
			fmt.Sprintf("local,path=%s,mount_tag=kafl_share,security_model=none", vm.Sharedir))
	}

	serial := vm.Serial
	if d.mode == Symbolic && vm.SerialSyx != "" {
		serial = vm.SerialSyx
	}
	if serial != "" {
		args = append(args, "-serial", serial)
	} else {
		args = append(args, "-serial", "file:"+d.paths.serialLog)
	}

	extra := vm.Extra
	if d.mode == Symbolic && vm.ExtraSyx != "" {
		extra = vm.ExtraSyx
	}
	if extra != "" {
		args = append(args, strings.Fields(extra)...)
	}

	if vm.MemoryMB > 0 {
		args = append(args, "-m", strconv.Itoa(vm.MemoryMB)+"M")
	}
	if vm.Image != "" {
		args = append(args, "-hda", vm.Image)
	}
	if vm.Kernel != "" {
		args = append(args, "-kernel", vm.Kernel)
	}
	if vm.Initrd != "" {
		args = append(args, "-initrd", vm.Initrd)
	}
	if vm.Bios != "" {
		args = append(args, "-bios", vm.Bios)
	}
	if vm.Append != "" {
		args = append(args, "-append", vm.Append)
	}

	// The snapshot line is unconditional: the creator boots fresh and
	// writes <work_dir>/snapshot/, every other worker loads from it. A
	// pre-built snapshot only seeds the creator's boot, it never replaces
	// the campaign's own snapshot directory.
	load := "on"
	if d.creator {
		load = "off"
	}
	args = append(args, "-loadvm", load, "-nyx-snapshot-dir", d.paths.snapshotDir)
	if vm.Snapshot != "" {
		args = append(args, "-nyx-snapshot-pre-path", vm.Snapshot)
	}

	if vm.GDBServer {
		args = append(args, "-s", "-S")
	}

	return args
}

func startupDelaySeconds(pid int, creator bool) float64 {
	if creator {
		return 0
	}
	return 4 + 0.1*float64(pid)
}
