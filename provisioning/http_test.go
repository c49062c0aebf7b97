// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package provisioning

import (
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/provisioner/httpclient"
	"github.com/mochi-mqtt/provisioner/system"
	"github.com/mochi-mqtt/provisioner/transports"
)

const (
	assigningBody = `{"operationId":"op1","status":"assigning"}`
	assignedBody  = `{"operationId":"op1","status":"assigned","registrationState":{"deviceId":"d1","assignedHub":"hub1"}}`
)

func httpResponse(status, headers, body string) []byte {
	return []byte("HTTP/1.1 " + status + "\r\n" + headers + "Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body)
}

func newHTTPTransport(t *testing.T, hsm HSMType) (*HTTPTransport, *transports.Mock, *recorder) {
	t.Helper()
	m := transports.NewMock()
	h, err := NewHTTP(m, &Options{
		Info:    new(system.Info),
		Host:    testHost,
		ScopeID: testScope,
		HSM:     hsm,
	})
	require.NoError(t, err)
	return h, m, &recorder{token: "SharedAccessSignature sr=x&sig=y&se=1"}
}

// openHTTP opens the transport and completes the connection.
func openHTTP(t *testing.T, hsm HSMType) (*HTTPTransport, *transports.Mock, *recorder) {
	t.Helper()
	h, m, rec := newHTTPTransport(t, hsm)
	require.NoError(t, h.Open(testRegID, nil, nil, rec))
	h.DoWork()
	require.Equal(t, []statusEvent{{StatusConnected, DefaultRetryAfter}}, rec.statuses)
	rec.statuses = nil
	return h, m, rec
}

func TestNewHTTPInvalid(t *testing.T) {
	_, err := NewHTTP(nil, &Options{Host: testHost, ScopeID: testScope})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewHTTP(transports.NewMock(), &Options{Host: testHost})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewHTTP(transports.NewMock(), nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewHTTPDefaults(t *testing.T) {
	h, _, _ := newHTTPTransport(t, HSMSymmetricKey)
	require.Equal(t, DefaultHTTPPort, h.opts.Port)
	require.Equal(t, StateIdle, h.State())
	require.Equal(t, "", h.OperationID())
}

func TestHTTPOpenInvalid(t *testing.T) {
	h, _, rec := newHTTPTransport(t, HSMSymmetricKey)
	require.ErrorIs(t, h.Open("", nil, nil, rec), ErrInvalidArgument)
	require.ErrorIs(t, h.Open(testRegID, nil, nil, nil), ErrInvalidArgument)

	require.NoError(t, h.Open(testRegID, nil, nil, rec))
	require.ErrorIs(t, h.Open(testRegID, nil, nil, rec), ErrAlreadyInProgress)
}

func TestHTTPOpenTPMRequiresKeys(t *testing.T) {
	h, _, rec := newHTTPTransport(t, HSMTPM)
	require.ErrorIs(t, h.Open(testRegID, []byte("ek"), nil, rec), ErrInvalidArgument)
	require.ErrorIs(t, h.Open(testRegID, nil, []byte("srk"), rec), ErrInvalidArgument)
	require.NoError(t, h.Open(testRegID, []byte("ek"), []byte("srk"), rec))
}

func TestHTTPRequestsBeforeOpen(t *testing.T) {
	h, _, _ := newHTTPTransport(t, HSMSymmetricKey)
	require.ErrorIs(t, h.RegisterDevice(nil), ErrNotOpen)
	require.ErrorIs(t, h.GetOperationStatus(), ErrNotOpen)
}

func TestHTTPGetOperationStatusWithoutID(t *testing.T) {
	h, _, _ := openHTTP(t, HSMSymmetricKey)
	require.ErrorIs(t, h.GetOperationStatus(), ErrOperationIDNotSet)
}

func TestHTTPRegisterTwice(t *testing.T) {
	h, _, _ := openHTTP(t, HSMSymmetricKey)
	require.NoError(t, h.RegisterDevice(nil))
	require.ErrorIs(t, h.RegisterDevice(nil), ErrAlreadyInProgress)
}

func TestHTTPRegisterWhileOutstanding(t *testing.T) {
	h, m, _ := openHTTP(t, HSMSymmetricKey)
	require.NoError(t, h.RegisterDevice(nil))
	h.DoWork()
	require.Equal(t, StateRegSent, h.State())

	require.ErrorIs(t, h.RegisterDevice(nil), ErrAlreadyInProgress)
	h.DoWork()
	require.Equal(t, 1, m.SentCount())
	require.Equal(t, 1, h.client.Pending())
}

func TestHTTPStatusWhileOutstanding(t *testing.T) {
	h, m, _ := openHTTP(t, HSMSymmetricKey)
	require.NoError(t, h.RegisterDevice(nil))
	h.DoWork()
	m.Inject(httpResponse("202 Accepted", "", assigningBody))
	h.DoWork()

	require.NoError(t, h.GetOperationStatus())
	require.ErrorIs(t, h.GetOperationStatus(), ErrAlreadyInProgress)
	h.DoWork()
	require.Equal(t, StateStatusSent, h.State())
	require.ErrorIs(t, h.GetOperationStatus(), ErrAlreadyInProgress)
	require.Equal(t, 2, m.SentCount())
}

func TestHTTPMalformedResponseReconnects(t *testing.T) {
	h, m, rec := openHTTP(t, HSMSymmetricKey)
	require.NoError(t, h.RegisterDevice(nil))
	h.DoWork()

	m.Inject([]byte("HTTP/1.1 202 Accepted\r\nContent-Length: 2\r\n\r\n{}GARBAGE"))
	h.DoWork()
	require.True(t, m.Closed)
	require.Len(t, rec.errs, 1)
	require.ErrorIs(t, rec.errs[0], ErrConnection)
	require.Equal(t, []completion{{result: ResultError}}, rec.completes)
	require.Equal(t, StateIdle, h.State())

	require.NoError(t, h.RegisterDevice(nil))
	h.DoWork()
	h.DoWork()
	require.Equal(t, 2, m.Opens)
	require.Equal(t, 2, m.SentCount())
}

func TestHTTPRegistration(t *testing.T) {
	h, m, rec := openHTTP(t, HSMSymmetricKey)

	require.NoError(t, h.RegisterDevice(nil))
	require.Equal(t, StateRegSend, h.State())
	h.DoWork()
	require.Equal(t, StateRegSent, h.State())
	require.Equal(t, 1, m.SentCount())

	req := string(m.Last())
	require.True(t, strings.HasPrefix(req, "PUT /0ne000A1B2C/registrations/device-1/register?api-version=2019-03-31 HTTP/1.1\r\n"))
	require.Contains(t, req, "Authorization: SharedAccessSignature sr=x&sig=y&se=1\r\n")
	require.Contains(t, req, "Content-Type: application/json; charset=utf-8\r\n")
	require.Contains(t, req, "User-Agent: "+DefaultUserAgent+"\r\n")
	require.True(t, strings.HasSuffix(req, "\r\n\r\n"+`{"registrationId":"device-1"}`))
	require.Equal(t, []string{KeyName}, rec.keyNames)
	require.Nil(t, rec.nonces[0])

	m.Inject(httpResponse("202 Accepted", "Content-Type: application/json\r\n", assigningBody))
	h.DoWork()
	require.Equal(t, []statusEvent{{StatusAssigning, time.Second}}, rec.statuses)
	require.Equal(t, "op1", h.OperationID())
	require.Equal(t, StateIdle, h.State())
	require.Empty(t, rec.completes)

	require.NoError(t, h.GetOperationStatus())
	require.Equal(t, StateStatusSend, h.State())
	h.DoWork()
	require.Equal(t, StateStatusSent, h.State())
	require.Equal(t, 2, m.SentCount())
	require.True(t, strings.HasPrefix(string(m.Last()), "GET /0ne000A1B2C/registrations/device-1/operations/op1?api-version=2019-03-31 HTTP/1.1\r\n"))

	m.Inject(httpResponse("200 OK", "", assignedBody))
	h.DoWork()
	require.Len(t, rec.completes, 1)
	require.Equal(t, ResultOK, rec.completes[0].result)
	require.Equal(t, "d1", rec.completes[0].reg.DeviceID)
	require.Equal(t, "hub1", rec.completes[0].reg.IoTHubURI)
	require.Equal(t, StateIdle, h.State())

	require.Equal(t, int64(1), h.opts.Info.RegistrationsStarted)
	require.Equal(t, int64(1), h.opts.Info.RegistrationsAssigned)
	require.Equal(t, int64(2), h.opts.Info.RequestsSent)
}

func TestHTTPRetryAfterHeader(t *testing.T) {
	h, m, rec := openHTTP(t, HSMSymmetricKey)
	require.NoError(t, h.RegisterDevice(nil))
	h.DoWork()

	m.Inject(httpResponse("202 Accepted", "Retry-After: 3\r\n", assigningBody))
	h.DoWork()
	require.Equal(t, []statusEvent{{StatusAssigning, 3 * time.Second}}, rec.statuses)
}

func TestHTTPTransientStatus(t *testing.T) {
	h, m, rec := openHTTP(t, HSMSymmetricKey)
	require.NoError(t, h.RegisterDevice(nil))
	h.DoWork()
	m.Inject(httpResponse("202 Accepted", "", assigningBody))
	h.DoWork()
	rec.statuses = nil

	require.NoError(t, h.GetOperationStatus())
	h.DoWork()
	require.Equal(t, StateStatusSent, h.State())

	h.onResponse(httpclient.ResultOK, nil, 429, httpclient.Headers{{Key: "retry-after", Value: "5"}})
	require.Equal(t, StateTransient, h.State())

	h.DoWork()
	require.Equal(t, []statusEvent{{StatusTransient, 5 * time.Second}}, rec.statuses)
	require.Equal(t, StateIdle, h.State())
	require.Empty(t, rec.completes)
	require.Equal(t, "op1", h.OperationID())
	require.Equal(t, int64(1), h.opts.Info.TransientResponses)

	require.NoError(t, h.GetOperationStatus())
}

func TestHTTPTransientOverConnection(t *testing.T) {
	h, m, rec := openHTTP(t, HSMSymmetricKey)
	require.NoError(t, h.RegisterDevice(nil))
	h.DoWork()

	m.Inject(httpResponse("503 Service Unavailable", "retry-after: 10\r\n", ""))
	h.DoWork()
	require.Equal(t, []statusEvent{{StatusTransient, 10 * time.Second}}, rec.statuses)
	require.Equal(t, StateIdle, h.State())
	require.Empty(t, rec.completes)
}

func TestHTTPRejected(t *testing.T) {
	h, m, rec := openHTTP(t, HSMSymmetricKey)
	require.NoError(t, h.RegisterDevice(nil))
	h.DoWork()

	m.Inject(httpResponse("401 Unauthorized", "", `{"errorCode":401002}`))
	h.DoWork()
	require.Equal(t, []completion{{result: ResultError}}, rec.completes)
	require.Equal(t, StateIdle, h.State())
	require.Equal(t, int64(1), h.opts.Info.RegistrationsFailed)
}

func TestHTTPServiceFailureStatus(t *testing.T) {
	h, m, rec := openHTTP(t, HSMSymmetricKey)
	require.NoError(t, h.RegisterDevice(nil))
	h.DoWork()

	m.Inject(httpResponse("200 OK", "", `{"operationId":"op1","status":"failed","registrationState":{"errorCode":400209}}`))
	h.DoWork()
	require.Equal(t, StateError, h.State())
	require.Empty(t, rec.completes)

	h.DoWork()
	require.Equal(t, []completion{{result: ResultError}}, rec.completes)
	require.Equal(t, StateIdle, h.State())
}

func TestHTTPMalformedBody(t *testing.T) {
	h, m, rec := openHTTP(t, HSMSymmetricKey)
	require.NoError(t, h.RegisterDevice(nil))
	h.DoWork()

	m.Inject(httpResponse("200 OK", "", `not json`))
	h.DoWork()
	h.DoWork()
	require.Equal(t, []completion{{result: ResultError}}, rec.completes)
}

func TestHTTPAssigningWithoutOperationID(t *testing.T) {
	h, m, rec := openHTTP(t, HSMSymmetricKey)
	require.NoError(t, h.RegisterDevice(nil))
	h.DoWork()

	m.Inject(httpResponse("202 Accepted", "", `{"status":"assigning"}`))
	h.DoWork()
	h.DoWork()
	require.Empty(t, rec.statuses)
	require.Equal(t, []completion{{result: ResultError}}, rec.completes)
}

func TestHTTPChallengeHandlerError(t *testing.T) {
	h, m, rec := openHTTP(t, HSMSymmetricKey)
	rec.tokenErr = ErrNoChallengeHandler

	require.NoError(t, h.RegisterDevice(nil))
	h.DoWork()
	require.Equal(t, 0, m.SentCount())
	require.Equal(t, []completion{{result: ResultError}}, rec.completes)
}

func TestHTTPX509NoAuthorization(t *testing.T) {
	h, m, rec := openHTTP(t, HSMX509)
	require.NoError(t, h.RegisterDevice([]byte(`{"model":"x1"}`)))
	h.DoWork()
	require.NotContains(t, string(m.Last()), "Authorization")
	require.Contains(t, string(m.Last()), `"payload":{"model":"x1"}`)
	require.Empty(t, rec.keyNames)
}

func TestHTTPTPMChallenge(t *testing.T) {
	h, m, rec := newHTTPTransport(t, HSMTPM)
	rec.token = "tpm-token"
	require.NoError(t, h.Open(testRegID, []byte("ek"), []byte("srk"), rec))
	h.DoWork()
	require.NoError(t, h.RegisterDevice(nil))
	h.DoWork()

	require.Equal(t, 1, m.SentCount())
	require.NotContains(t, string(m.Last()), "Authorization")
	require.Contains(t, string(m.Last()), `"tpm":{"endorsementKey":"ZWs=","storageRootKey":"c3Jr"}`)

	m.Inject(httpResponse("401 Unauthorized", "", `{"authenticationKey":"bm9uY2U="}`))
	h.DoWork()
	require.Equal(t, [][]byte{[]byte("nonce")}, rec.nonces)
	require.Equal(t, StateRegSend, h.State())

	h.DoWork()
	require.Equal(t, 2, m.SentCount())
	require.Contains(t, string(m.Last()), "Authorization: tpm-token\r\n")

	m.Inject(httpResponse("200 OK", "", `{"status":"assigned","registrationState":{"deviceId":"d1","assignedHub":"hub1","tpm":{"authenticationKey":"a2V5"}}}`))
	h.DoWork()
	require.Len(t, rec.completes, 1)
	require.Equal(t, ResultOK, rec.completes[0].result)
	require.Equal(t, []byte("key"), rec.completes[0].reg.AuthorizationKey)
}

func TestHTTPTPMChallengeOnlyOnce(t *testing.T) {
	h, m, rec := newHTTPTransport(t, HSMTPM)
	require.NoError(t, h.Open(testRegID, []byte("ek"), []byte("srk"), rec))
	h.DoWork()
	require.NoError(t, h.RegisterDevice(nil))
	h.DoWork()

	m.Inject(httpResponse("401 Unauthorized", "", `{"authenticationKey":"bm9uY2U="}`))
	h.DoWork()
	h.DoWork()
	m.Inject(httpResponse("401 Unauthorized", "", `{"authenticationKey":"bm9uY2U="}`))
	h.DoWork()

	require.Len(t, rec.nonces, 1)
	require.Equal(t, []completion{{result: ResultError}}, rec.completes)
}

func TestHTTPTPMChallengeRefused(t *testing.T) {
	h, m, rec := newHTTPTransport(t, HSMTPM)
	rec.tokenErr = errors.New("tpm locked")
	require.NoError(t, h.Open(testRegID, []byte("ek"), []byte("srk"), rec))
	h.DoWork()
	require.NoError(t, h.RegisterDevice(nil))
	h.DoWork()

	m.Inject(httpResponse("401 Unauthorized", "", `{"authenticationKey":"bm9uY2U="}`))
	h.DoWork()
	h.DoWork()
	require.Equal(t, []completion{{result: ResultError}}, rec.completes)
}

func TestHTTPUnexpectedResponseIgnored(t *testing.T) {
	h, _, rec := openHTTP(t, HSMSymmetricKey)
	h.onResponse(httpclient.ResultOK, []byte(assignedBody), 200, nil)
	h.DoWork()
	require.Equal(t, StateIdle, h.State())
	require.Empty(t, rec.completes)
}

func TestHTTPOpenFailedThenReconnect(t *testing.T) {
	h, m, rec := newHTTPTransport(t, HSMSymmetricKey)
	m.OpenErr = errors.New("refused")
	require.NoError(t, h.Open(testRegID, nil, nil, rec))

	h.DoWork()
	require.Len(t, rec.errs, 1)
	require.ErrorIs(t, rec.errs[0], ErrConnection)
	require.Empty(t, rec.statuses)
	require.Empty(t, rec.completes)

	m.OpenErr = nil
	require.NoError(t, h.RegisterDevice(nil))
	h.DoWork()
	require.Equal(t, 2, m.Opens)
	require.Equal(t, []statusEvent{{StatusConnected, DefaultRetryAfter}}, rec.statuses)

	h.DoWork()
	require.Equal(t, 1, m.SentCount())
	require.Equal(t, StateRegSent, h.State())
}

func TestHTTPOpenFailedWithRequest(t *testing.T) {
	h, m, rec := newHTTPTransport(t, HSMSymmetricKey)
	m.OpenErr = errors.New("refused")
	require.NoError(t, h.Open(testRegID, nil, nil, rec))
	require.NoError(t, h.RegisterDevice(nil))

	h.DoWork()
	require.Len(t, rec.errs, 1)
	require.Equal(t, []completion{{result: ResultError}}, rec.completes)
	require.Equal(t, StateIdle, h.State())
}

func TestHTTPTransportRejectsOpen(t *testing.T) {
	h, m, rec := newHTTPTransport(t, HSMSymmetricKey)
	m.ErrOpen = errors.New("no route")
	require.NoError(t, h.Open(testRegID, nil, nil, rec))

	h.DoWork()
	require.Len(t, rec.errs, 1)
	require.ErrorIs(t, rec.errs[0], ErrConnection)
}

func TestHTTPIOError(t *testing.T) {
	h, m, rec := openHTTP(t, HSMSymmetricKey)
	require.NoError(t, h.RegisterDevice(nil))
	h.DoWork()

	m.Fail(errors.New("connection reset"))
	require.Equal(t, StateError, h.State())
	require.Len(t, rec.errs, 1)
	require.True(t, m.Closed)

	h.DoWork()
	require.Equal(t, []completion{{result: ResultError}}, rec.completes)
	require.Equal(t, StateIdle, h.State())
	require.Equal(t, 1, m.Opens)
}

func TestHTTPClose(t *testing.T) {
	h, m, rec := openHTTP(t, HSMSymmetricKey)
	require.NoError(t, h.RegisterDevice(nil))
	h.DoWork()
	m.Inject(httpResponse("202 Accepted", "", assigningBody))
	h.DoWork()
	require.Equal(t, "op1", h.OperationID())

	require.NoError(t, h.Close())
	require.True(t, m.Closed)
	require.Equal(t, StateIdle, h.State())
	require.Equal(t, "", h.OperationID())
	require.ErrorIs(t, h.RegisterDevice(nil), ErrNotOpen)

	require.NoError(t, h.Open(testRegID, nil, nil, rec))
	require.NoError(t, h.Close())
}

func TestHTTPSetTrace(t *testing.T) {
	h, _, _ := newHTTPTransport(t, HSMSymmetricKey)
	h.SetTrace(true)
	require.True(t, h.opts.Trace)
}
