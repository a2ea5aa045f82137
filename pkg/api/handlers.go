package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/srivishnuk/pt-instances-management/pkg/apperr"
	"github.com/srivishnuk/pt-instances-management/pkg/types"
)

// errorResponse is the JSON body for every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps an apperr.Kind to its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		status := http.StatusInternalServerError
		switch appErr.Kind {
		case apperr.InsufficientResources:
			status = http.StatusServiceUnavailable
		case apperr.RuntimeError:
			status = http.StatusInternalServerError
		case apperr.NotFound:
			status = http.StatusNotFound
		case apperr.BadRequest:
			status = http.StatusBadRequest
		case apperr.Timeout:
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, errorResponse{Error: appErr.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

func (s *Server) instanceHost() string {
	if s.advertiseHost != "" {
		return s.advertiseHost
	}
	return "localhost"
}

// allocationJSON is the wire shape returned for an Allocation.
type allocationJSON struct {
	ID           int64   `json:"id"`
	URL          string  `json:"url"`
	PacketTracer *string `json:"packetTracer"`
	CreatedAt    string  `json:"createdAt"`
	DeletedAt    *string `json:"deletedAt,omitempty"`
}

func (s *Server) allocationToJSON(alloc *types.Allocation, instances []*types.Instance) allocationJSON {
	out := allocationJSON{
		ID:        alloc.ID,
		URL:       fmt.Sprintf("http://%s/allocations/%d", s.instanceHost(), alloc.ID),
		CreatedAt: alloc.CreatedAt.Format(timeLayout),
	}
	if alloc.DeletedAt != nil {
		deleted := alloc.DeletedAt.Format(timeLayout)
		out.DeletedAt = &deleted
	}
	for _, inst := range instances {
		if inst.AllocatedBy == alloc.ID {
			pt := fmt.Sprintf("%s:%d", s.instanceHost(), inst.PTPort)
			out.PacketTracer = &pt
			break
		}
	}
	return out
}

// instanceJSON is the wire shape returned for an Instance.
type instanceJSON struct {
	ID           int64  `json:"id"`
	URL          string `json:"url"`
	DockerID     string `json:"dockerId"`
	PacketTracer string `json:"packetTracer"`
	VNC          string `json:"vnc"`
	CreatedAt    string `json:"createdAt"`
	DeletedAt    *string `json:"deletedAt,omitempty"`
	Status       string `json:"status"`
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

func (s *Server) instanceToJSON(inst *types.Instance) instanceJSON {
	out := instanceJSON{
		ID:           inst.ID,
		URL:          fmt.Sprintf("http://%s/instances/%d", s.instanceHost(), inst.ID),
		DockerID:     inst.DockerID,
		PacketTracer: fmt.Sprintf("%s:%d", s.instanceHost(), inst.PTPort),
		VNC:          fmt.Sprintf("vnc://%s:%d", s.instanceHost(), inst.VNCPort),
		CreatedAt:    inst.CreatedAt.Format(timeLayout),
		Status:       string(inst.ObservedState()),
	}
	if inst.DeletedAt != nil {
		deleted := inst.DeletedAt.Format(timeLayout)
		out.DeletedAt = &deleted
	}
	return out
}

// handleDetails returns the configured thresholds and port range.
func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"thresholds": map[string]float64{
			"cpu":    s.thresholds.CPUPercent,
			"memory": s.thresholds.MemoryPercent,
		},
		"port": map[string]int{
			"lowest":  s.portRange[0],
			"highest": s.portRange[1],
		},
	})
}

// allocationShow enumerates GET /allocations?show=... values.
type allocationShow string

const (
	showAll      allocationShow = "all"
	showCurrent  allocationShow = "current"
	showFinished allocationShow = "finished"
)

func (s *Server) handleListAllocations(w http.ResponseWriter, r *http.Request) {
	show := allocationShow(r.URL.Query().Get("show"))
	if show == "" {
		show = showAll
	}
	if show != showAll && show != showCurrent && show != showFinished {
		writeError(w, apperr.BadRequestf("invalid show value %q", show))
		return
	}

	allocations, err := s.store.ListAllocations()
	if err != nil {
		writeError(w, apperr.Runtime(err, "listing allocations"))
		return
	}
	instances, err := s.store.ListInstances()
	if err != nil {
		writeError(w, apperr.Runtime(err, "listing instances"))
		return
	}

	out := make([]allocationJSON, 0, len(allocations))
	for _, alloc := range allocations {
		switch show {
		case showCurrent:
			if !alloc.Current() {
				continue
			}
		case showFinished:
			if alloc.Current() {
				continue
			}
		}
		out = append(out, s.allocationToJSON(alloc, instances))
	}
	writeJSON(w, http.StatusOK, map[string]any{"allocations": out})
}

func (s *Server) handleCreateAllocation(w http.ResponseWriter, r *http.Request) {
	id, err := s.coordinator.AllocateInstance(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	alloc, err := s.store.GetAllocation(id)
	if err != nil {
		writeError(w, apperr.Runtime(err, "reloading allocation %d", id))
		return
	}
	instances, err := s.store.ListInstances()
	if err != nil {
		writeError(w, apperr.Runtime(err, "listing instances"))
		return
	}
	writeJSON(w, http.StatusOK, s.allocationToJSON(alloc, instances))
}

func (s *Server) handleGetAllocation(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	alloc, err := s.store.GetAllocation(id)
	if err != nil {
		writeError(w, apperr.NotFoundf("allocation %d", id))
		return
	}
	instances, err := s.store.ListInstances()
	if err != nil {
		writeError(w, apperr.Runtime(err, "listing instances"))
		return
	}
	writeJSON(w, http.StatusOK, s.allocationToJSON(alloc, instances))
}

func (s *Server) handleDeleteAllocation(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	alloc, err := s.store.GetAllocation(id)
	if err != nil {
		writeError(w, apperr.NotFoundf("allocation %d", id))
		return
	}

	instances, err := s.store.ListInstances()
	if err != nil {
		writeError(w, apperr.Runtime(err, "listing instances"))
		return
	}
	var instanceID int64 = -1
	for _, inst := range instances {
		if inst.AllocatedBy == id {
			instanceID = inst.ID
			break
		}
	}
	if instanceID >= 0 {
		if err := s.coordinator.DeallocateInstance(r.Context(), instanceID); err != nil {
			writeError(w, err)
			return
		}
	}

	updated, err := s.store.GetAllocation(id)
	if err != nil {
		updated = alloc
	}
	writeJSON(w, http.StatusOK, s.allocationToJSON(updated, instances))
}

// instanceShow enumerates GET /instances?show=... values.
type instanceShow string

const (
	instShowAll         instanceShow = "all"
	instShowStarting    instanceShow = "starting"
	instShowDeallocated instanceShow = "deallocated"
	instShowAllocated   instanceShow = "allocated"
	instShowRunning     instanceShow = "running"
	instShowFinished    instanceShow = "finished"
	instShowError       instanceShow = "error"
)

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	show := instanceShow(r.URL.Query().Get("show"))
	if show == "" {
		show = instShowAll
	}
	switch show {
	case instShowAll, instShowStarting, instShowDeallocated, instShowAllocated, instShowRunning, instShowFinished, instShowError:
	default:
		writeError(w, apperr.BadRequestf("invalid show value %q", show))
		return
	}

	instances, err := s.store.ListInstances()
	if err != nil {
		writeError(w, apperr.Runtime(err, "listing instances"))
		return
	}

	out := make([]instanceJSON, 0, len(instances))
	for _, inst := range instances {
		if !matchesShow(inst, show) {
			continue
		}
		out = append(out, s.instanceToJSON(inst))
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": out})
}

func matchesShow(inst *types.Instance, show instanceShow) bool {
	switch show {
	case instShowAll:
		return true
	case instShowStarting:
		return inst.ObservedState() == types.StateStarting
	case instShowDeallocated:
		return inst.Active() && !inst.Allocated() && inst.Status != types.StatusError
	case instShowAllocated:
		return inst.ObservedState() == types.StateAllocated
	case instShowRunning:
		return inst.Active() && inst.Status != types.StatusError
	case instShowFinished:
		return inst.ObservedState() == types.StateFinished
	case instShowError:
		return inst.ObservedState() == types.StateError
	default:
		return false
	}
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	id, err := s.coordinator.CreateInstance(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	inst, err := s.store.GetInstance(id)
	if err != nil {
		writeError(w, apperr.Runtime(err, "reloading instance %d", id))
		return
	}
	writeJSON(w, http.StatusOK, s.instanceToJSON(inst))
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	inst, err := s.store.GetInstance(id)
	if err != nil {
		writeError(w, apperr.NotFoundf("instance %d", id))
		return
	}
	writeJSON(w, http.StatusOK, s.instanceToJSON(inst))
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.coordinator.DeleteInstance(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	inst, err := s.store.GetInstance(id)
	if err != nil {
		writeError(w, apperr.NotFoundf("instance %d", id))
		return
	}
	writeJSON(w, http.StatusOK, s.instanceToJSON(inst))
}

// portShow enumerates GET /ports?show=... values.
type portShow string

const (
	portShowAll         portShow = "all"
	portShowAvailable   portShow = "available"
	portShowUnavailable portShow = "unavailable"
)

func (s *Server) handleListPorts(w http.ResponseWriter, r *http.Request) {
	show := portShow(r.URL.Query().Get("show"))
	if show == "" {
		show = portShowAll
	}

	var ports []*types.Port
	var err error
	switch show {
	case portShowAll:
		ports, err = s.ports.All()
	case portShowAvailable:
		ports, err = s.ports.Available()
	case portShowUnavailable:
		ports, err = s.ports.Unavailable()
	default:
		writeError(w, apperr.BadRequestf("invalid show value %q", show))
		return
	}
	if err != nil {
		writeError(w, apperr.Runtime(err, "listing ports"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ports": ports})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.cache.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleCacheFile(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperr.BadRequestf("reading request body"))
		return
	}
	result, err := s.cache.GetOrDownload(r.Context(), string(body))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	url := mux.Vars(r)["url"]
	result, err := s.cache.Get(url)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	url := mux.Vars(r)["url"]
	result, err := s.cache.Delete(url)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleClearFiles(w http.ResponseWriter, r *http.Request) {
	cleared, err := s.cache.Clear()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": cleared})
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperr.BadRequestf("invalid id %q", raw)
	}
	return id, nil
}
