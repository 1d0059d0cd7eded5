/*
igvm is the command line interface to igvmd, the VM fleet service. igvm can
list VMs and hypervisors, register hypervisors, and queue build, migrate,
resize, start and stop jobs.

Usage

The following arguments are understood:

	Usage:
	igvm [flags]
	igvm [command]

	Available Commands:
	vm          List VMs
	hypervisor  List hypervisors
	job         List jobs
	build       Build a new VM
	migrate     Migrate a VM to another hypervisor
	mem-set     Resize a VM's memory
	vcpu-set    Change a VM's vCPU count
	disk-set    Grow a VM's disk
	start       Start a VM
	stop        Stop a VM
	help        Help about any command

	Flags:
	-h, --help=false: help for igvm
	-j, --jsonout=false: output in json
	-s, --server="http://localhost:18200/": server address to connect to
	-w, --wait=false: poll submitted jobs until they finish

	Use "igvm help [command]" for more information about a command.

All fleet operations are asynchronous: the command queues a job and prints its
id. With --wait the command polls the job until the worker finishes it and
exits non-zero if the job failed.

Output

Listing commands support two output formats: a list of identifiers (the
default) or, with --jsonout, one JSON object per line.
*/
package main
