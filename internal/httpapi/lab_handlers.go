package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"cytolab.org/internal/audit"
	"cytolab.org/internal/auth"
	"cytolab.org/internal/lab"
)

type hospitalRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
	Email   string `json:"email"`
}

type patientRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	BirthDate string `json:"birth_date"`
}

type cellTestRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type imageRequest struct {
	ObjectKey string `json:"object_key"`
}

// --- hospitals ---

func (a *API) listHospitals(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r, auth.ActionHospitalManage, "") {
		return
	}
	hs, err := a.lab.ListHospitals(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": hs})
}

func (a *API) createHospital(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r, auth.ActionHospitalManage, "") {
		return
	}
	var req hospitalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	h := lab.Hospital{Name: req.Name, Address: req.Address, Phone: req.Phone, Email: req.Email}
	if err := a.lab.CreateHospital(r.Context(), &h); err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "hospital.created", map[string]any{"hospital_id": h.ID, "name": h.Name})
	w.Header().Set("Location", fmt.Sprintf("/hospitals/%s", h.ID))
	writeJSON(w, http.StatusCreated, h)
}

func (a *API) getHospital(w http.ResponseWriter, r *http.Request) {
	hid := chi.URLParam(r, "hid")
	if !authorize(w, r, auth.ActionHospitalRead, hid) {
		return
	}
	h, err := a.lab.GetHospital(r.Context(), hid)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (a *API) updateHospital(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r, auth.ActionHospitalManage, "") {
		return
	}
	var req hospitalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	h := lab.Hospital{ID: chi.URLParam(r, "hid"), Name: req.Name, Address: req.Address, Phone: req.Phone, Email: req.Email}
	if err := a.lab.UpdateHospital(r.Context(), &h); err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "hospital.updated", map[string]any{"hospital_id": h.ID})
	writeJSON(w, http.StatusOK, h)
}

func (a *API) deleteHospital(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r, auth.ActionHospitalManage, "") {
		return
	}
	hid := chi.URLParam(r, "hid")
	if err := a.lab.DeleteHospital(r.Context(), hid); err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "hospital.deleted", map[string]any{"hospital_id": hid})
	w.WriteHeader(http.StatusNoContent)
}

// --- patients ---

func (a *API) listPatients(w http.ResponseWriter, r *http.Request) {
	hid := chi.URLParam(r, "hid")
	if !authorize(w, r, auth.ActionPatientRead, hid) {
		return
	}
	ps, err := a.lab.ListPatients(r.Context(), hid)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ps})
}

func (a *API) createPatient(w http.ResponseWriter, r *http.Request) {
	hid := chi.URLParam(r, "hid")
	if !authorize(w, r, auth.ActionPatientWrite, hid) {
		return
	}
	var req patientRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p := req.patient(hid, "")
	if err := a.lab.CreatePatient(r.Context(), &p); err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "patient.created", map[string]any{"hospital_id": hid, "patient_id": p.ID})
	w.Header().Set("Location", fmt.Sprintf("/hospitals/%s/patients/%s", hid, p.ID))
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) getPatient(w http.ResponseWriter, r *http.Request) {
	hid := chi.URLParam(r, "hid")
	if !authorize(w, r, auth.ActionPatientRead, hid) {
		return
	}
	p, err := a.lab.GetPatient(r.Context(), hid, chi.URLParam(r, "pid"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) updatePatient(w http.ResponseWriter, r *http.Request) {
	hid := chi.URLParam(r, "hid")
	if !authorize(w, r, auth.ActionPatientWrite, hid) {
		return
	}
	var req patientRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p := req.patient(hid, chi.URLParam(r, "pid"))
	if err := a.lab.UpdatePatient(r.Context(), &p); err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "patient.updated", map[string]any{"hospital_id": hid, "patient_id": p.ID})
	writeJSON(w, http.StatusOK, p)
}

func (a *API) deletePatient(w http.ResponseWriter, r *http.Request) {
	hid := chi.URLParam(r, "hid")
	if !authorize(w, r, auth.ActionPatientWrite, hid) {
		return
	}
	pid := chi.URLParam(r, "pid")
	if err := a.lab.DeletePatient(r.Context(), hid, pid); err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "patient.deleted", map[string]any{"hospital_id": hid, "patient_id": pid})
	w.WriteHeader(http.StatusNoContent)
}

func (req patientRequest) patient(hospitalID, id string) lab.Patient {
	return lab.Patient{
		ID:         id,
		HospitalID: hospitalID,
		FirstName:  req.FirstName,
		LastName:   req.LastName,
		Email:      req.Email,
		Phone:      req.Phone,
		BirthDate:  req.BirthDate,
	}
}

// --- cell tests ---

func (a *API) listCellTests(w http.ResponseWriter, r *http.Request) {
	hid, pid := chi.URLParam(r, "hid"), chi.URLParam(r, "pid")
	if !authorize(w, r, auth.ActionCellTestRead, hid) {
		return
	}
	if _, err := a.lab.GetPatient(r.Context(), hid, pid); err != nil {
		respondErr(w, r, err)
		return
	}
	cs, err := a.lab.ListCellTests(r.Context(), hid, pid)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if cs == nil {
		cs = []lab.CellTest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": cs})
}

func (a *API) createCellTest(w http.ResponseWriter, r *http.Request) {
	hid, pid := chi.URLParam(r, "hid"), chi.URLParam(r, "pid")
	if !authorize(w, r, auth.ActionCellTestWrite, hid) {
		return
	}
	var req cellTestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	c := lab.CellTest{PatientID: pid, HospitalID: hid, Title: req.Title, Description: req.Description}
	if err := a.lab.CreateCellTest(r.Context(), &c); err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "cell_test.created", map[string]any{"hospital_id": hid, "cell_test_id": c.ID})
	w.Header().Set("Location", fmt.Sprintf("/hospitals/%s/patients/%s/cell_tests/%s", hid, pid, c.ID))
	writeJSON(w, http.StatusCreated, c)
}

// cellTest loads the {tid} cell test of the route after checking action.
func (a *API) cellTest(w http.ResponseWriter, r *http.Request, action auth.Action) (lab.CellTest, bool) {
	hid := chi.URLParam(r, "hid")
	if !authorize(w, r, action, hid) {
		return lab.CellTest{}, false
	}
	c, err := a.lab.GetCellTest(r.Context(), hid, chi.URLParam(r, "pid"), chi.URLParam(r, "tid"))
	if err != nil {
		respondErr(w, r, err)
		return lab.CellTest{}, false
	}
	return c, true
}

func (a *API) getCellTest(w http.ResponseWriter, r *http.Request) {
	c, ok := a.cellTest(w, r, auth.ActionCellTestRead)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) listImages(w http.ResponseWriter, r *http.Request) {
	c, ok := a.cellTest(w, r, auth.ActionCellTestRead)
	if !ok {
		return
	}
	imgs, err := a.lab.ListImages(r.Context(), c.ID)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if imgs == nil {
		imgs = []lab.CellTestImage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": imgs})
}

func (a *API) addImage(w http.ResponseWriter, r *http.Request) {
	c, ok := a.cellTest(w, r, auth.ActionCellTestWrite)
	if !ok {
		return
	}
	var req imageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	img := lab.CellTestImage{CellTestID: c.ID, ObjectKey: req.ObjectKey}
	if err := a.lab.AddImage(r.Context(), &img); err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, img)
}

func (a *API) listResults(w http.ResponseWriter, r *http.Request) {
	c, ok := a.cellTest(w, r, auth.ActionCellTestRead)
	if !ok {
		return
	}
	rs, err := a.lab.ListResults(r.Context(), c.ID)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rs})
}

func (a *API) process(w http.ResponseWriter, r *http.Request) {
	if a.ingest == nil {
		writeError(w, r, http.StatusServiceUnavailable, "ingestion disabled")
		return
	}
	c, ok := a.cellTest(w, r, auth.ActionIngestionRun)
	if !ok {
		return
	}
	res, err := a.ingest.Run(r.Context(), c.HospitalID, c.ID)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "cell_test.processed", map[string]any{
		"hospital_id":  c.HospitalID,
		"cell_test_id": c.ID,
		"result_id":    res.ID,
		"cell_count":   res.CellCount,
	})
	writeJSON(w, http.StatusCreated, res)
}
