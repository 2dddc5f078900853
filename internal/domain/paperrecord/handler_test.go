package paperrecord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newTestContext(method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func expectHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != code {
		t.Errorf("expected HTTP %d, got %v", code, err)
	}
}

func TestHTTPErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{invalidInput("bad"), http.StatusBadRequest},
		{&AlreadySentError{Identifier: "A1"}, http.StatusBadRequest},
		{fmt.Errorf("%w: x", ErrNotFound), http.StatusNotFound},
		{inconsistent("dup"), http.StatusConflict},
		{fmt.Errorf("%w: offline", ErrPrintingFailure), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		expectHTTPError(t, httpError(tt.err), tt.code)
	}
}

func TestHandler_CreateRequest(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	p := f.addPatient("Y2A4G4", "Jean", "Louis")

	body := fmt.Sprintf(`{"patient_id":%q,"record_location_id":%q,"request_location_id":%q}`, p.ID, f.ward, f.clinic)
	c, rec := newTestContext(http.MethodPost, "/api/v1/paper-record-requests", body)
	if err := h.CreateRequest(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var q Request
	if err := json.Unmarshal(rec.Body.Bytes(), &q); err != nil {
		t.Fatal(err)
	}
	if q.Status != RequestOpen || q.RecordStatus != RecordPendingCreation {
		t.Errorf("unexpected response %+v", q)
	}

	c, rec = newTestContext(http.MethodPost, "/api/v1/paper-record-requests", body)
	if err := h.CreateRequest(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for a re-request, got %d", rec.Code)
	}
	var again Request
	if err := json.Unmarshal(rec.Body.Bytes(), &again); err != nil {
		t.Fatal(err)
	}
	if again.ID != q.ID {
		t.Errorf("expected request %s, got %s", q.ID, again.ID)
	}

	c, _ = newTestContext(http.MethodPost, "/api/v1/paper-record-requests", `{}`)
	expectHTTPError(t, h.CreateRequest(c), http.StatusBadRequest)
}

func TestHandler_ListRequests(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	for i := 0; i < 3; i++ {
		p := f.addPatient(fmt.Sprintf("PAT00%d", i), "Family", "Given")
		f.addRequest(t, f.addRecord(t, p, f.hospital, fmt.Sprintf("A00000%d", i)), f.ward, RequestOpen, f.clock.Now())
	}

	c, rec := newTestContext(http.MethodGet, "/api/v1/paper-record-requests?status=open&kind=pull&limit=2", "")
	if err := h.ListRequests(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page struct {
		Data    []Request `json:"data"`
		Total   int       `json:"total"`
		HasMore bool      `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 || len(page.Data) != 2 || !page.HasMore {
		t.Errorf("unexpected page total=%d len=%d more=%v", page.Total, len(page.Data), page.HasMore)
	}

	c, rec = newTestContext(http.MethodGet, "/api/v1/paper-record-requests?identifier=PAT001", "")
	if err := h.ListRequests(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || page.Data[0].Identifier != "A000001" {
		t.Errorf("expected the request of PAT001, got %+v", page.Data)
	}

	c, _ = newTestContext(http.MethodGet, "/api/v1/paper-record-requests?status=LOST", "")
	expectHTTPError(t, h.ListRequests(c), http.StatusBadRequest)
	c, _ = newTestContext(http.MethodGet, "/api/v1/paper-record-requests?kind=borrow", "")
	expectHTTPError(t, h.ListRequests(c), http.StatusBadRequest)
	c, _ = newTestContext(http.MethodGet, "/api/v1/paper-record-requests?location_id="+uuid.NewString(), "")
	expectHTTPError(t, h.ListRequests(c), http.StatusNotFound)
}

func TestHandler_GetRequestShowsLastSent(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	p := f.addPatient("Y2A4G4", "Jean", "Louis")
	rec := f.addRecord(t, p, f.hospital, "A000100")
	f.addRequest(t, rec, f.clinic, RequestSent, f.clock.Now().Add(-time.Hour))
	q := f.addRequest(t, rec, f.ward, RequestOpen, f.clock.Now())

	c, out := newTestContext(http.MethodGet, "/api/v1/paper-record-requests/"+q.ID.String(), "")
	c.SetParamNames("id")
	c.SetParamValues(q.ID.String())
	if err := h.GetRequest(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		ID       uuid.UUID `json:"id"`
		LastSent *struct {
			RequestLocationID uuid.UUID `json:"request_location_id"`
		} `json:"last_sent"`
	}
	if err := json.Unmarshal(out.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.ID != q.ID {
		t.Errorf("expected request %s, got %s", q.ID, body.ID)
	}
	if body.LastSent == nil || body.LastSent.RequestLocationID != f.clinic {
		t.Errorf("expected last sent to %s, got %+v", f.clinic, body.LastSent)
	}

	missing := uuid.NewString()
	c, _ = newTestContext(http.MethodGet, "/api/v1/paper-record-requests/"+missing, "")
	c.SetParamNames("id")
	c.SetParamValues(missing)
	expectHTTPError(t, h.GetRequest(c), http.StatusNotFound)

	c, _ = newTestContext(http.MethodGet, "/api/v1/paper-record-requests/nope", "")
	c.SetParamNames("id")
	c.SetParamValues("nope")
	expectHTTPError(t, h.GetRequest(c), http.StatusBadRequest)
}

func TestHandler_AssignRequests_PrintFailure(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	ok := f.addPatient("PAT001", "Family", "Given")
	bad := f.addPatient("PAT002", "Family", "Given")
	okReq := f.addRequest(t, f.addRecord(t, ok, f.hospital, "A000001"), f.ward, RequestOpen, f.clock.Now())
	badReq := f.addRequest(t, f.addRecord(t, bad, f.hospital, "A000002"), f.ward, RequestOpen, f.clock.Now())
	f.printer.failOn = []string{"PAT002"}

	body := fmt.Sprintf(`{"request_ids":[%q,%q],"assignee_id":"archivist-1"}`, okReq.ID, badReq.ID)
	c, rec := newTestContext(http.MethodPost, "/api/v1/paper-record-requests/assign", body)
	if err := h.AssignRequests(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
	var resp struct {
		Message string       `json:"message"`
		Result  AssignResult `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Result.Success) != 1 || resp.Result.Success[0] != "A000001" {
		t.Errorf("unexpected success list %v", resp.Result.Success)
	}
	if len(resp.Result.PrintFailures) != 1 || resp.Result.PrintFailures[0] != badReq.ID {
		t.Errorf("unexpected print failures %v", resp.Result.PrintFailures)
	}
}

func TestHandler_AssignRequests_PartialFailure(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	ctx := context.Background()
	f.addRecord(t, f.addPatient("OLD001", "Old", "Patient"), f.hospital, "A000900")
	for i := 0; i < maxIdentifierAttempts; i++ {
		f.ids.queued = append(f.ids.queued, "A000900")
	}
	createReq, err := f.svc.RequestRecord(ctx, f.addPatient("PAT001", "Family", "Given").ID, f.hospital, f.ward)
	if err != nil {
		t.Fatal(err)
	}
	pullReq := f.addRequest(t, f.addRecord(t, f.addPatient("PAT002", "Family", "Given"), f.hospital, "A000500"), f.ward, RequestOpen, f.clock.Now())

	body := fmt.Sprintf(`{"request_ids":[%q,%q],"assignee_id":"archivist-1"}`, createReq.ID, pullReq.ID)
	c, rec := newTestContext(http.MethodPost, "/api/v1/paper-record-requests/assign", body)
	if err := h.AssignRequests(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
	var resp struct {
		Message string       `json:"message"`
		Result  AssignResult `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Result.Success) != 1 || resp.Result.Success[0] != "A000500" {
		t.Errorf("unexpected success list %v", resp.Result.Success)
	}
	if len(resp.Result.Failures) != 1 || resp.Result.Failures[0].RequestID != createReq.ID {
		t.Errorf("unexpected failures %+v", resp.Result.Failures)
	}
}

func TestHandler_SendAndReturn(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	p := f.addPatient("Y2A4G4", "Jean", "Louis")
	f.addRequest(t, f.addRecord(t, p, f.hospital, "A000100"), f.ward, RequestAssigned, f.clock.Now())

	c, rec := newTestContext(http.MethodPost, "/api/v1/paper-record-requests/send", `{"identifier":" A000100 "}`)
	if err := h.SendRecord(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c, _ = newTestContext(http.MethodPost, "/api/v1/paper-record-requests/send", `{"identifier":"A000100"}`)
	expectHTTPError(t, h.SendRecord(c), http.StatusBadRequest)

	body := fmt.Sprintf(`{"identifier":"A000100","location_id":%q}`, f.archives)
	c, rec = newTestContext(http.MethodPost, "/api/v1/paper-record-requests/return", body)
	if err := h.ReturnRecord(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var returned []Request
	if err := json.Unmarshal(rec.Body.Bytes(), &returned); err != nil {
		t.Fatal(err)
	}
	if len(returned) != 1 || returned[0].Status != RequestReturned {
		t.Errorf("unexpected returned %+v", returned)
	}

	c, rec = newTestContext(http.MethodPost, "/api/v1/paper-record-requests/return", body)
	if err := h.ReturnRecord(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty list on repeated return, got %s", rec.Body.String())
	}
}

func TestHandler_ExpireRequests(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	p := f.addPatient("Y2A4G4", "Jean", "Louis")
	q := f.addRequest(t, f.addRecord(t, p, f.hospital, "A000100"), f.ward, RequestOpen, f.clock.Now().Add(-time.Hour))

	body := fmt.Sprintf(`{"kind":"pull","cutoff":%q}`, f.clock.Now().Format(time.RFC3339))
	c, rec := newTestContext(http.MethodPost, "/api/v1/paper-record-requests/expire", body)
	if err := h.ExpireRequests(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"expired":1}` {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	if got := f.store.request(t, q.ID); got.Status != RequestCancelled {
		t.Errorf("expected CANCELLED, got %s", got.Status)
	}

	c, _ = newTestContext(http.MethodPost, "/api/v1/paper-record-requests/expire", `{"kind":"pull"}`)
	expectHTTPError(t, h.ExpireRequests(c), http.StatusBadRequest)
}

func TestHandler_PrintLabels(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	p := f.addPatient("Y2A4G4", "Jean", "Louis")
	q := f.addRequest(t, f.addRecord(t, p, f.hospital, "A000100"), f.ward, RequestAssigned, f.clock.Now())

	body := fmt.Sprintf(`{"location_id":%q,"label":"form","count":4}`, f.archives)
	c, rec := newTestContext(http.MethodPost, "/", body)
	c.SetParamNames("id")
	c.SetParamValues(q.ID.String())
	if err := h.PrintLabels(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if jobs := f.printer.printed(); len(jobs) != 1 || jobs[0].count != 4 {
		t.Errorf("unexpected jobs %+v", jobs)
	}

	c, _ = newTestContext(http.MethodPost, "/", fmt.Sprintf(`{"location_id":%q,"label":"sticker"}`, f.archives))
	c.SetParamNames("id")
	c.SetParamValues(q.ID.String())
	expectHTTPError(t, h.PrintLabels(c), http.StatusBadRequest)

	f.printer.failOn = []string{"Y2A4G4"}
	c, _ = newTestContext(http.MethodPost, "/", fmt.Sprintf(`{"location_id":%q}`, f.archives))
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	expectHTTPError(t, h.PrintIDCard(c), http.StatusBadGateway)
}

func TestHandler_MergeWorkflow(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	a := f.addPatient("AAAAAA", "Jean", "Louis")
	b := f.addPatient("BBBBBB", "Jean", "Louis")
	recA := f.addRecord(t, a, f.hospital, "A000001")
	recB := f.addRecord(t, b, f.hospital, "A000002")

	body := fmt.Sprintf(`{"preferred_record_id":%q,"not_preferred_record_id":%q}`, recA.ID, recB.ID)
	c, rec := newTestContext(http.MethodPost, "/api/v1/paper-record-merges", body)
	if err := h.ProposeMerge(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var m MergeRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatal(err)
	}

	c, rec = newTestContext(http.MethodGet, "/api/v1/paper-record-merges", "")
	if err := h.ListMerges(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), m.ID.String()) {
		t.Errorf("expected merge %s listed, got %s", m.ID, rec.Body.String())
	}

	c, rec = newTestContext(http.MethodPost, "/", "")
	c.SetParamNames("id")
	c.SetParamValues(m.ID.String())
	if err := h.ConfirmMerge(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var merged MergeRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &merged); err != nil {
		t.Fatal(err)
	}
	if merged.Status != MergeMerged {
		t.Errorf("expected MERGED, got %s", merged.Status)
	}

	c, _ = newTestContext(http.MethodPost, "/", "")
	c.SetParamNames("id")
	c.SetParamValues(m.ID.String())
	expectHTTPError(t, h.ConfirmMerge(c), http.StatusBadRequest)
}

func TestHandler_ListRecords(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	p := f.addPatient("Y2A4G4", "Jean", "Louis")
	f.addRecord(t, p, f.hospital, "A000100")

	c, rec := newTestContext(http.MethodGet, "/api/v1/paper-records?patient_id="+p.ID.String(), "")
	if err := h.ListRecords(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "A000100") {
		t.Errorf("expected record listed, got %s", rec.Body.String())
	}

	c, _ = newTestContext(http.MethodGet, "/api/v1/paper-records", "")
	expectHTTPError(t, h.ListRecords(c), http.StatusBadRequest)
}
