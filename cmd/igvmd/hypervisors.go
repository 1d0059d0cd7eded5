package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/innogames/igvm"
)

// RegisterHypervisorRoutes registers the hypervisor routes and handlers
func RegisterHypervisorRoutes(prefix string, router *mux.Router, m *metricsContext) {
	router.Handle(prefix, m.mmw.HandlerFunc(ListHypervisors, "hypervisors.list")).Methods("GET")
	router.Handle(prefix, m.mmw.HandlerFunc(CreateHypervisor, "hypervisors.create")).Methods("POST")

	sub := router.PathPrefix(prefix).Subrouter()
	sub.Handle("/{hypervisor}", m.mmw.HandlerFunc(GetHypervisor, "hypervisors.get")).Methods("GET")
	sub.Handle("/{hypervisor}/vms", m.mmw.HandlerFunc(GetHypervisorVMs, "hypervisors.vms")).Methods("GET")
}

// ListHypervisors returns every hypervisor record
func ListHypervisors(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	hypervisors := igvm.Hypervisors{}
	err := GetContext(r).ForEachHypervisor(func(h *igvm.Hypervisor) error {
		hypervisors = append(hypervisors, h)
		return nil
	})
	if err != nil {
		hr.JSONError(http.StatusInternalServerError, err)
		return
	}
	hr.JSON(http.StatusOK, hypervisors)
}

// GetHypervisor returns one hypervisor record by hostname
func GetHypervisor(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vars := mux.Vars(r)
	ctx := GetContext(r)

	h, err := ctx.Hypervisor(vars["hypervisor"])
	if err != nil {
		if ctx.IsKeyNotFound(err) {
			hr.JSONMsg(http.StatusNotFound, "hypervisor not found")
			return
		}
		hr.JSONError(http.StatusInternalServerError, err)
		return
	}
	hr.JSON(http.StatusOK, h)
}

// GetHypervisorVMs returns the VM records assigned to a hypervisor
func GetHypervisorVMs(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vars := mux.Vars(r)
	ctx := GetContext(r)

	h, err := ctx.Hypervisor(vars["hypervisor"])
	if err != nil {
		if ctx.IsKeyNotFound(err) {
			hr.JSONMsg(http.StatusNotFound, "hypervisor not found")
			return
		}
		hr.JSONError(http.StatusInternalServerError, err)
		return
	}
	vms, err := h.VMs()
	if err != nil {
		hr.JSONError(http.StatusInternalServerError, err)
		return
	}
	hr.JSON(http.StatusOK, vms)
}

// CreateHypervisor registers a hypervisor record in the inventory
func CreateHypervisor(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	ctx := GetContext(r)

	h := ctx.NewHypervisor()
	if err := json.NewDecoder(r.Body).Decode(h); err != nil {
		hr.JSONError(http.StatusBadRequest, err)
		return
	}
	if _, err := ctx.Hypervisor(h.Hostname); err == nil {
		hr.JSONMsg(http.StatusConflict, "hypervisor already registered")
		return
	}
	if err := h.Save(); err != nil {
		hr.JSONError(http.StatusBadRequest, err)
		return
	}
	hr.JSON(http.StatusCreated, h)
}
