// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package provisioning

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Codec encodes registration requests and decodes service responses.
type Codec interface {
	// RegistrationBody returns the body of a registration request. ek and
	// srk are empty unless the device uses tpm attestation. payload is
	// optional custom json passed through to the service.
	RegistrationBody(registrationID string, ek, srk, payload []byte) ([]byte, error)

	// ParseStatus decodes a registration or operation status response.
	ParseStatus(body []byte) (*ParsedStatus, error)

	// ParseChallenge decodes the nonce of a tpm authentication challenge.
	ParseChallenge(body []byte) ([]byte, error)
}

type tpmAttestation struct {
	EndorsementKey    string `json:"endorsementKey,omitempty"`
	StorageRootKey    string `json:"storageRootKey,omitempty"`
	AuthenticationKey string `json:"authenticationKey,omitempty"`
}

type registrationRequest struct {
	RegistrationID string          `json:"registrationId"`
	TPM            *tpmAttestation `json:"tpm,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

type registrationState struct {
	TPM            *tpmAttestation `json:"tpm,omitempty"`
	RegistrationID string          `json:"registrationId"`
	AssignedHub    string          `json:"assignedHub"`
	DeviceID       string          `json:"deviceId"`
	Status         string          `json:"status"`
	Substatus      string          `json:"substatus"`
	ErrorMessage   string          `json:"errorMessage"`
	ErrorCode      int             `json:"errorCode"`
}

type statusResponse struct {
	RegistrationState *registrationState `json:"registrationState"`
	OperationID       string             `json:"operationId"`
	Status            string             `json:"status"`
	KeyName           string             `json:"keyName"`
}

type challengeResponse struct {
	AuthenticationKey string `json:"authenticationKey"`
}

var serviceStatuses = map[string]Status{
	"unassigned":  StatusUnassigned,
	"assigning":   StatusAssigning,
	"assigned":    StatusAssigned,
	"failed":      StatusError,
	"disabled":    StatusDisabled,
	"blacklisted": StatusBlacklisted,
}

// JSONCodec is the default Codec, speaking the json format of the device
// provisioning service.
type JSONCodec struct{}

// RegistrationBody returns the json registration request.
func (JSONCodec) RegistrationBody(registrationID string, ek, srk, payload []byte) ([]byte, error) {
	if registrationID == "" {
		return nil, ErrInvalidArgument
	}

	req := registrationRequest{
		RegistrationID: registrationID,
	}

	if len(ek) > 0 || len(srk) > 0 {
		req.TPM = &tpmAttestation{
			EndorsementKey: base64.StdEncoding.EncodeToString(ek),
			StorageRootKey: base64.StdEncoding.EncodeToString(srk),
		}
	}

	if len(payload) > 0 {
		if !json.Valid(payload) {
			return nil, fmt.Errorf("%w: payload is not valid json", ErrInvalidArgument)
		}
		req.Payload = payload
	}

	return json.Marshal(req)
}

// ParseStatus decodes a registration or operation status response.
func (JSONCodec) ParseStatus(body []byte) (*ParsedStatus, error) {
	var res statusResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	name := res.Status
	if name == "" && res.RegistrationState != nil {
		name = res.RegistrationState.Status
	}

	status, ok := serviceStatuses[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown status %q", ErrParse, name)
	}

	ps := &ParsedStatus{
		Status:      status,
		OperationID: res.OperationID,
		KeyName:     res.KeyName,
	}

	if rs := res.RegistrationState; rs != nil {
		ps.IoTHubURI = rs.AssignedHub
		ps.DeviceID = rs.DeviceID
		ps.ErrorCode = rs.ErrorCode
		ps.ErrorMessage = rs.ErrorMessage
		if rs.TPM != nil && rs.TPM.AuthenticationKey != "" {
			key, err := base64.StdEncoding.DecodeString(rs.TPM.AuthenticationKey)
			if err != nil {
				return nil, fmt.Errorf("%w: authentication key: %v", ErrParse, err)
			}
			ps.AuthorizationKey = key
		}
	}

	if status == StatusAssigned && (ps.IoTHubURI == "" || ps.DeviceID == "") {
		return nil, fmt.Errorf("%w: assigned without hub or device id", ErrParse)
	}

	return ps, nil
}

// ParseChallenge decodes the nonce of a tpm authentication challenge.
func (JSONCodec) ParseChallenge(body []byte) ([]byte, error) {
	var res challengeResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	if res.AuthenticationKey == "" {
		return nil, fmt.Errorf("%w: no authentication key", ErrParse)
	}

	nonce, err := base64.StdEncoding.DecodeString(res.AuthenticationKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	return nonce, nil
}
