package main

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/innogames/igvm"
)

// RegisterVMRoutes registers the vm routes and handlers
func RegisterVMRoutes(prefix string, router *mux.Router, m *metricsContext) {
	router.Handle(prefix, m.mmw.HandlerFunc(ListVMs, "vms.list")).Methods("GET")

	sub := router.PathPrefix(prefix).Subrouter()
	sub.Handle("/{vm}", m.mmw.HandlerFunc(GetVM, "vms.get")).Methods("GET")
}

// ListVMs returns every VM record in the inventory
func ListVMs(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vms := igvm.VMs{}
	err := GetContext(r).ForEachVM(func(v *igvm.VM) error {
		vms = append(vms, v)
		return nil
	})
	if err != nil {
		hr.JSONError(http.StatusInternalServerError, err)
		return
	}
	hr.JSON(http.StatusOK, vms)
}

// GetVM returns one VM record by hostname
func GetVM(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vars := mux.Vars(r)
	ctx := GetContext(r)

	vm, err := ctx.VM(vars["vm"])
	if err != nil {
		if ctx.IsKeyNotFound(err) {
			hr.JSONMsg(http.StatusNotFound, "vm not found")
			return
		}
		hr.JSONError(http.StatusInternalServerError, err)
		return
	}
	hr.JSON(http.StatusOK, vm)
}
