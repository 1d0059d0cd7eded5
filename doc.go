// Package igvm orchestrates virtual machines across a fleet of libvirt
// hypervisors: building, starting and stopping them, resizing their memory,
// vCPUs and disks, and migrating them between hypervisors either live or
// offline. The inventory of record is a kv store; every mutation of it is an
// optimistic compare-and-set, and a migration commits the inventory exactly
// once, after the destination holds the guest.
package igvm
