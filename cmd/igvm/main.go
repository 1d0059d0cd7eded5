package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/innogames/igvm/internal/cli"
	"github.com/innogames/igvm/pkg/jobqueue"
)

var (
	server  = "http://localhost:18200/"
	jsonout = false
	wait    = false
)

const pollInterval = 2 * time.Second

type jmapSlice []cli.JMap

func (js jmapSlice) Len() int {
	return len(js)
}

func (js jmapSlice) Less(i, j int) bool {
	return name(js[i]) < name(js[j])
}

func (js jmapSlice) Swap(i, j int) {
	js[j], js[i] = js[i], js[j]
}

// name is the identifier to print for an object. Jobs carry an id, VMs and
// hypervisors are keyed by hostname.
func name(j cli.JMap) string {
	if id := j.ID(); id != "" {
		return id
	}
	hostname, _ := j["hostname"].(string)
	return hostname
}

func printJMap(j cli.JMap) {
	if jsonout {
		fmt.Println(j)
	} else {
		fmt.Println(name(j))
	}
}

func printList(js []cli.JMap) {
	sort.Sort(jmapSlice(js))
	for _, j := range js {
		printJMap(j)
	}
}

func assertSpec(spec string) {
	j := cli.JMap{}
	if err := json.Unmarshal([]byte(spec), &j); err != nil {
		log.WithFields(log.Fields{
			"spec":  spec,
			"error": err,
		}).Fatal("invalid spec")
	}
}

func help(cmd *cobra.Command, _ []string) {
	_ = cmd.Help()
}

// submitJob posts a job request and either prints the job or, with --wait,
// polls it until the worker finishes
func submitJob(req *jobqueue.Job) {
	c := cli.New(server)
	body, err := json.Marshal(req)
	if err != nil {
		log.WithField("error", err).Fatal("unable to encode job")
	}

	job := c.Post("job", "jobs", string(body))
	if !wait {
		printJMap(job)
		return
	}

	id := job.ID()
	for {
		status, _ := job["status"].(string)
		switch status {
		case jobqueue.JobStatusDone:
			printJMap(job)
			return
		case jobqueue.JobStatusError:
			msg, _ := job["error"].(string)
			log.WithFields(log.Fields{
				"job":   id,
				"error": msg,
			}).Fatal("job failed")
		}
		time.Sleep(pollInterval)
		job = c.Get("job", "jobs/"+id)
	}
}

func listVMs(cmd *cobra.Command, hostnames []string) {
	c := cli.New(server)
	vms := []cli.JMap{}
	if len(hostnames) == 0 {
		vms = c.GetMany("vms", "vms")
	} else {
		for _, hostname := range hostnames {
			vms = append(vms, c.Get("vm", "vms/"+hostname))
		}
	}
	printList(vms)
}

func listHypervisors(cmd *cobra.Command, hostnames []string) {
	c := cli.New(server)
	hvs := []cli.JMap{}
	if len(hostnames) == 0 {
		hvs = c.GetMany("hypervisors", "hypervisors")
	} else {
		for _, hostname := range hostnames {
			hvs = append(hvs, c.Get("hypervisor", "hypervisors/"+hostname))
		}
	}
	printList(hvs)
}

func createHypervisors(cmd *cobra.Command, specs []string) {
	c := cli.New(server)
	for _, spec := range specs {
		assertSpec(spec)
		printJMap(c.Post("hypervisor", "hypervisors", spec))
	}
}

func listHypervisorVMs(cmd *cobra.Command, hostnames []string) {
	c := cli.New(server)
	for _, hostname := range hostnames {
		printList(c.GetMany("vms", "hypervisors/"+hostname+"/vms"))
	}
}

func listJobs(cmd *cobra.Command, ids []string) {
	c := cli.New(server)
	jobs := []cli.JMap{}
	if len(ids) == 0 {
		jobs = c.GetMany("jobs", "jobs")
	} else {
		for _, id := range ids {
			jobs = append(jobs, c.Get("job", "jobs/"+id))
		}
	}
	printList(jobs)
}

func main() {
	migrateReq := &jobqueue.Job{Action: jobqueue.ActionMigrate}
	buildReq := &jobqueue.Job{Action: jobqueue.ActionBuild}
	var buildSpec string

	root := &cobra.Command{
		Use:   "igvm",
		Short: "igvm is the cli interface to igvmd",
		Run:   help,
	}
	root.PersistentFlags().BoolVarP(&jsonout, "jsonout", "j", jsonout, "output in json")
	root.PersistentFlags().StringVarP(&server, "server", "s", server, "server address to connect to")
	root.PersistentFlags().BoolVarP(&wait, "wait", "w", wait, "poll submitted jobs until they finish")

	cmdVMs := &cobra.Command{
		Use:   "vm [<hostname>...]",
		Short: "List VMs",
		Run:   listVMs,
	}

	cmdHVs := &cobra.Command{
		Use:   "hypervisor [<hostname>...]",
		Short: "List hypervisors",
		Run:   listHypervisors,
	}

	cmdHVCreate := &cobra.Command{
		Use:   "create <spec>...",
		Short: "Register hypervisors",
		Long:  `Register new hypervisor(s) using "spec"(s) as the initial values. Where "spec" is a valid json string.`,
		Run:   createHypervisors,
	}

	cmdHVVMs := &cobra.Command{
		Use:   "vms <hostname>...",
		Short: "List the VMs on hypervisors",
		Args:  cobra.MinimumNArgs(1),
		Run:   listHypervisorVMs,
	}
	cmdHVs.AddCommand(cmdHVCreate, cmdHVVMs)

	cmdJobs := &cobra.Command{
		Use:   "job [<id>...]",
		Short: "List jobs",
		Run:   listJobs,
	}

	cmdBuild := &cobra.Command{
		Use:   "build <hostname> <hypervisor>",
		Short: "Build a new VM",
		Long:  `Build a new VM on the given hypervisor. The --spec json carries the VM record (vlan, mac, intern_ip, num_cpu, memory, disk_size).`,
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			assertSpec(buildSpec)
			buildReq.VM = args[0]
			buildReq.Destination = args[1]
			buildReq.Spec = json.RawMessage(buildSpec)
			submitJob(buildReq)
		},
	}
	cmdBuild.Flags().StringVar(&buildSpec, "spec", "{}", "json spec for the new VM")
	cmdBuild.Flags().BoolVar(&buildReq.NoStart, "no-start", false, "leave the VM stopped after building")
	cmdBuild.Flags().BoolVar(&buildReq.IgnoreReserved, "ignore-reserved", false, "build onto a reserved hypervisor")

	cmdMigrate := &cobra.Command{
		Use:   "migrate <hostname> <hypervisor>",
		Short: "Migrate a VM to another hypervisor",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			migrateReq.VM = args[0]
			migrateReq.Destination = args[1]
			submitJob(migrateReq)
		},
	}
	cmdMigrate.Flags().BoolVar(&migrateReq.Offline, "offline", false, "stop the VM for the move")
	cmdMigrate.Flags().StringVar(&migrateReq.Transport, "transport", "", "disk transport, mirror or stream")
	cmdMigrate.Flags().StringVar(&migrateReq.NewIP, "newip", "", "assign a new address on the destination (offline only)")
	cmdMigrate.Flags().BoolVar(&migrateReq.RunBootstrap, "run-bootstrap", false, "run the bootstrap agent after the move (offline only)")
	cmdMigrate.Flags().BoolVar(&migrateReq.IgnoreReserved, "ignore-reserved", false, "migrate onto a reserved hypervisor")

	sizeCmd := func(use, short, action string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(2),
			Run: func(cmd *cobra.Command, args []string) {
				submitJob(&jobqueue.Job{
					Action: action,
					VM:     args[0],
					Size:   args[1],
				})
			},
		}
	}
	cmdMemSet := sizeCmd("mem-set <hostname> <size>", "Resize a VM's memory", jobqueue.ActionMemSet)
	cmdVCPUSet := sizeCmd("vcpu-set <hostname> <count>", "Change a VM's vCPU count", jobqueue.ActionVCPUSet)
	cmdDiskSet := sizeCmd("disk-set <hostname> <size>", "Grow a VM's disk", jobqueue.ActionDiskSet)

	stateCmd := func(use, short, action string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				submitJob(&jobqueue.Job{
					Action: action,
					VM:     args[0],
				})
			},
		}
	}
	cmdStart := stateCmd("start <hostname>", "Start a VM", jobqueue.ActionStart)
	cmdStop := stateCmd("stop <hostname>", "Stop a VM", jobqueue.ActionStop)

	root.AddCommand(cmdVMs, cmdHVs, cmdJobs, cmdBuild, cmdMigrate,
		cmdMemSet, cmdVCPUSet, cmdDiskSet, cmdStart, cmdStop)
	_ = root.Execute()
}
