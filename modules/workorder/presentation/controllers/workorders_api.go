package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/jacksonlee411/propertyops/internal/routing"
	"github.com/jacksonlee411/propertyops/modules/workorder/domain/types"
	"github.com/jacksonlee411/propertyops/modules/workorder/services"
	"github.com/jacksonlee411/propertyops/pkg/authz"
	"github.com/jacksonlee411/propertyops/pkg/httperr"
	"github.com/jacksonlee411/propertyops/pkg/pipeline"
	"github.com/jacksonlee411/propertyops/pkg/uuidv7"
)

const (
	ProcedureList   = "workorder.list"
	ProcedureCreate = "workorder.create"
	ProcedureClose  = "workorder.close"
)

const maxBodyBytes = 64 << 10

// CloseRoles may close work orders, as tenant roles or staff roles.
var CloseRoles = []string{authz.RoleOwner, authz.RoleAdmin, authz.RoleManager}

// RequestBuilder describes the caller of r to the pipeline. Errors are
// written to the client as boundary errors.
type RequestBuilder func(r *http.Request, procedure string) (pipeline.Request, error)

type WorkOrdersController struct {
	Pipeline *pipeline.Pipeline
	Service  services.WorkOrderService
	Request  RequestBuilder
}

func (c WorkOrdersController) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, httperr.NewBadRequest("invalid limit"))
			return
		}
		limit = n
	}

	var (
		items     []types.WorkOrder
		canCreate bool
	)
	ok := c.run(w, r, ProcedureList, func(ctx context.Context) error {
		var err error
		items, err = c.Service.List(ctx, limit)
		if err != nil {
			return err
		}
		canCreate = c.Service.CanCreate(ctx)
		return nil
	})
	if !ok {
		return
	}
	routing.WriteJSON(w, http.StatusOK, map[string]any{
		"work_orders": items,
		"can_create":  canCreate,
	})
}

func (c WorkOrdersController) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var out types.WorkOrder
	ok := c.run(w, r, ProcedureCreate, func(ctx context.Context) error {
		var in types.CreateInput
		if err := decodeJSON(r, w, &in); err != nil {
			return err
		}
		var err error
		out, err = c.Service.Create(ctx, in)
		return err
	})
	if ok {
		routing.WriteJSON(w, http.StatusCreated, out)
	}
}

func (c WorkOrdersController) HandleClose(w http.ResponseWriter, r *http.Request) {
	id := routing.Param(r, "id")
	var out types.WorkOrder
	ok := c.run(w, r, ProcedureClose, func(ctx context.Context) error {
		var err error
		out, err = c.Service.Close(ctx, id)
		return err
	}, CloseRoles...)
	if ok {
		routing.WriteJSON(w, http.StatusOK, out)
	}
}

func (c WorkOrdersController) run(w http.ResponseWriter, r *http.Request, procedure string, h pipeline.Handler, roles ...string) bool {
	req, err := c.Request(r, procedure)
	if err != nil {
		writeError(w, r, err)
		return false
	}
	if req.ID == "" {
		if id, err := uuidv7.NewString(); err == nil {
			req.ID = id
		}
	}
	if req.ID != "" {
		w.Header().Set(routing.RequestIDHeader, req.ID)
	}
	if err := c.Pipeline.Execute(r.Context(), req, h, c.Pipeline.Stack(roles...)...); err != nil {
		writeError(w, r, err)
		return false
	}
	return true
}

func decodeJSON(r *http.Request, w http.ResponseWriter, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if maxErr, ok := errors.AsType[*http.MaxBytesError](err); ok {
			return httperr.Newf(httperr.CodeBadRequest, "body exceeds %d bytes", maxErr.Limit)
		}
		return httperr.NewBadRequest("bad json")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return httperr.NewBadRequest("bad json")
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	routing.WriteBoundaryError(w, r, routing.RouteClassPublicAPI, httperr.From(err))
}
