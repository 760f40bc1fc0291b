package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"bondsettle/crypto"
	"bondsettle/native/settlement"
)

const (
	codeAdminInvalidParams = -32051
	codeAdminForbidden     = -32052
	codeAdminInternal      = -32053
)

type complianceSetParams struct {
	Caller   string `json:"caller"`
	Address  string `json:"address"`
	Eligible bool   `json:"eligible"`
}

type complianceCheckParams struct {
	Address string `json:"address"`
}

type complianceCheckResult struct {
	Address  string `json:"address"`
	Eligible bool   `json:"eligible"`
}

type roleGrantParams struct {
	Caller  string `json:"caller"`
	Role    string `json:"role"`
	Address string `json:"address"`
}

type roleMembersParams struct {
	Role string `json:"role"`
}

type roleMembersResult struct {
	Role    string   `json:"role"`
	Members []string `json:"members"`
}

func (s *Server) handleComplianceSetEligibility(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params complianceSetParams
	if !decodeSingleParam(w, req, codeAdminInvalidParams, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeAdminInvalidParams, "invalid_params", fmt.Sprintf("caller: %v", err))
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeAdminInvalidParams, "invalid_params", fmt.Sprintf("address: %v", err))
		return
	}
	if err := s.node.ComplianceSetEligible(caller, addr, params.Eligible); err != nil {
		writeAdminError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleComplianceCheck(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params complianceCheckParams
	if !decodeSingleParam(w, req, codeAdminInvalidParams, &params) {
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeAdminInvalidParams, "invalid_params", fmt.Sprintf("address: %v", err))
		return
	}
	eligible, err := s.node.ComplianceIsEligible(addr)
	if err != nil {
		writeAdminError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, complianceCheckResult{
		Address:  crypto.AddressFromBytes(addr).String(),
		Eligible: eligible,
	})
}

func (s *Server) handleRoleGrant(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params roleGrantParams
	if !decodeSingleParam(w, req, codeAdminInvalidParams, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeAdminInvalidParams, "invalid_params", fmt.Sprintf("caller: %v", err))
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeAdminInvalidParams, "invalid_params", fmt.Sprintf("address: %v", err))
		return
	}
	if err := s.node.RoleGrant(caller, params.Role, addr); err != nil {
		writeAdminError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleRoleMembers(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params roleMembersParams
	if !decodeSingleParam(w, req, codeAdminInvalidParams, &params) {
		return
	}
	role := strings.TrimSpace(params.Role)
	if role == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeAdminInvalidParams, "invalid_params", "role required")
		return
	}
	members, err := s.node.RoleMembers(role)
	if err != nil {
		writeAdminError(w, req.ID, err)
		return
	}
	out := make([]string, 0, len(members))
	for _, member := range members {
		out = append(out, crypto.AddressFromBytes(member).String())
	}
	writeResult(w, req.ID, roleMembersResult{Role: role, Members: out})
}

func writeAdminError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeAdminInternal
	message := "internal_error"
	switch {
	case errors.Is(err, settlement.ErrUnauthorized):
		status = http.StatusForbidden
		code = codeAdminForbidden
		message = "forbidden"
	case strings.Contains(err.Error(), "unknown role"):
		status = http.StatusBadRequest
		code = codeAdminInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, err.Error())
}
