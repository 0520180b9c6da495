package server

import (
	"encoding/json"
	"encoding/xml"
	"net/http"
	"strings"
	"time"

	"github.com/Daskott/vigil/docstore"
	"github.com/Daskott/vigil/liveness"
	"github.com/Daskott/vigil/server/auth"
	"github.com/Daskott/vigil/server/auth/key"
	"github.com/Daskott/vigil/server/contacts"
	"github.com/Daskott/vigil/server/models"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type ResponsePayload struct {
	Errors  []string    `json:"errors,omitempty"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
}

type TwilioSmsResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message"`
}

// contactPayload is the API view of a relationship edge, cached display
// fields & the engine's computed attention state included
type contactPayload struct {
	ID           string `json:"id"`
	IsResponder  bool   `json:"isResponder"`
	IsDependent  bool   `json:"isDependent"`
	SendPings    bool   `json:"sendPings"`
	ReceivePings bool   `json:"receivePings"`

	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Note     string `json:"note,omitempty"`
	QRCodeID string `json:"qrCodeId,omitempty"`

	LastCheckIn     *time.Time `json:"lastCheckIn,omitempty"`
	CheckInInterval int64      `json:"checkInInterval,omitempty"`
	TimeRemaining   string     `json:"timeRemaining,omitempty"`

	ManualAlertActive bool `json:"manualAlertActive"`
	HasIncomingPing   bool `json:"hasIncomingPing"`
	HasOutgoingPing   bool `json:"hasOutgoingPing"`

	RequiresAttention bool `json:"requiresAttention"`
}

func createUser(rw http.ResponseWriter, r *http.Request) {
	data := models.User{}
	decoder := json.NewDecoder(r.Body)

	err := decoder.Decode(&data)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	errs := validate.Struct(data)
	if errs != nil {
		writeResponse(rw, ResponsePayload{Errors: strings.Split(errs.Error(), "\n")}, http.StatusBadRequest)
		return
	}

	data.ID = uuid.NewString()
	err = contacts.RegisterUser(r.Context(), appStore, &data)
	if err != nil {
		writeError(rw, err)
		return
	}

	token, err := auth.EncodeJWT(auth.NewTokenClaims(data.ID, data.Name), authKeyPair)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	writeResponse(rw, ResponsePayload{
		Success: true,
		Data:    map[string]interface{}{"user": data, "token": token},
	}, http.StatusCreated)
}

func findUser(rw http.ResponseWriter, r *http.Request) {
	doc, err := appStore.Get(r.Context(), docstore.UsersCollection, requestUserID(r))
	if err != nil {
		writeError(rw, err)
		return
	}

	user, err := models.DecodeUser(*doc)
	if err != nil {
		writeError(rw, err)
		return
	}

	// The contact set has its own endpoint; don't dump raw edges here
	user.Contacts = nil

	writeResponse(rw, ResponsePayload{Success: true, Data: map[string]interface{}{"user": user}}, http.StatusOK)
}

func updateUser(rw http.ResponseWriter, r *http.Request) {
	data := make(map[string]interface{})
	decoder := json.NewDecoder(r.Body)

	if err := decoder.Decode(&data); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	runtime, err := runtimeForRequest(r)
	if err != nil {
		writeError(rw, err)
		return
	}

	if err := runtime.engine.UpdateProfile(r.Context(), data); err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true}, http.StatusOK)
}

func checkIn(rw http.ResponseWriter, r *http.Request) {
	runtime, err := runtimeForRequest(r)
	if err != nil {
		writeError(rw, err)
		return
	}

	checkedInAt, err := runtime.engine.CheckIn(r.Context())
	if err != nil {
		writeError(rw, err)
		return
	}

	doc, err := appStore.Get(r.Context(), docstore.UsersCollection, requestUserID(r))
	if err != nil {
		writeError(rw, err)
		return
	}

	user, err := models.DecodeUser(*doc)
	if err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: map[string]interface{}{
		"checkedInAt": checkedInAt,
		"expiresAt":   liveness.ExpiresAt(checkedInAt, user.Interval()),
	}}, http.StatusOK)
}

func setNotificationLeadTime(rw http.ResponseWriter, r *http.Request) {
	data := struct {
		LeadMinutes int `json:"leadMinutes"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	runtime, err := runtimeForRequest(r)
	if err != nil {
		writeError(rw, err)
		return
	}

	if err := runtime.engine.SetNotificationLeadTime(r.Context(), data.LeadMinutes); err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true}, http.StatusOK)
}

func listContacts(rw http.ResponseWriter, r *http.Request) {
	runtime, err := runtimeForRequest(r)
	if err != nil {
		writeError(rw, err)
		return
	}

	loaded, err := runtime.engine.LoadContacts(r.Context())
	if err != nil {
		writeError(rw, err)
		return
	}

	payload := []contactPayload{}
	for _, contact := range loaded {
		payload = append(payload, contactPayloadFrom(contact))
	}

	store := runtime.engine.ContactStore()
	writeResponse(rw, ResponsePayload{Success: true, Data: map[string]interface{}{
		"contacts":                     payload,
		"nonResponsiveDependentsCount": store.NonResponsiveDependentsCount(),
		"pendingPingsCount":            store.PendingPingsCount(),
	}}, http.StatusOK)
}

func addContact(rw http.ResponseWriter, r *http.Request) {
	data := struct {
		QRCode      string `json:"qrCode"`
		IsResponder bool   `json:"isResponder"`
		IsDependent bool   `json:"isDependent"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	runtime, err := runtimeForRequest(r)
	if err != nil {
		writeError(rw, err)
		return
	}

	contact, err := runtime.engine.AddContact(r.Context(), data.QRCode, data.IsResponder, data.IsDependent)

	// Scanning a contact you already have isn't a failure - hand the
	// existing edge back & let the client tell the user
	if docstore.IsAlreadyExists(err) {
		writeResponse(rw, ResponsePayload{Success: true, Data: map[string]interface{}{
			"contact":       contactPayloadFrom(*contact),
			"alreadyLinked": true,
		}}, http.StatusOK)
		return
	}

	if err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: map[string]interface{}{
		"contact": contactPayloadFrom(*contact),
	}}, http.StatusCreated)
}

func updateContact(rw http.ResponseWriter, r *http.Request) {
	data := struct {
		IsResponder  *bool `json:"isResponder"`
		IsDependent  *bool `json:"isDependent"`
		SendPings    *bool `json:"sendPings"`
		ReceivePings *bool `json:"receivePings"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	runtime, contact, err := contactForRequest(r)
	if err != nil {
		writeError(rw, err)
		return
	}

	if data.IsResponder != nil || data.IsDependent != nil {
		isResponder, isDependent := contact.IsResponder, contact.IsDependent
		if data.IsResponder != nil {
			isResponder = *data.IsResponder
		}
		if data.IsDependent != nil {
			isDependent = *data.IsDependent
		}

		if err := runtime.engine.UpdateContactRole(r.Context(), *contact, isResponder, isDependent); err != nil {
			writeError(rw, err)
			return
		}
	}

	if data.SendPings != nil || data.ReceivePings != nil {
		update := models.RelationUpdate{UpdateNotifications: true,
			SendPings: contact.SendPings, ReceivePings: contact.ReceivePings}
		if data.SendPings != nil {
			update.SendPings = *data.SendPings
		}
		if data.ReceivePings != nil {
			update.ReceivePings = *data.ReceivePings
		}

		if err := runtime.engine.UpdateContactRelationship(r.Context(), *contact, update); err != nil {
			writeError(rw, err)
			return
		}
	}

	writeResponse(rw, ResponsePayload{Success: true}, http.StatusOK)
}

func deleteContact(rw http.ResponseWriter, r *http.Request) {
	runtime, contact, err := contactForRequest(r)
	if err != nil {
		writeError(rw, err)
		return
	}

	if err := runtime.engine.RemoveContact(r.Context(), *contact); err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true}, http.StatusOK)
}

func sendPing(rw http.ResponseWriter, r *http.Request) {
	runtime, contact, err := contactForRequest(r)
	if err != nil {
		writeError(rw, err)
		return
	}

	if err := runtime.pings.SendPing(r.Context(), contact.ID); err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true}, http.StatusOK)
}

func respondToPing(rw http.ResponseWriter, r *http.Request) {
	runtime, contact, err := contactForRequest(r)
	if err != nil {
		writeError(rw, err)
		return
	}

	if err := runtime.pings.RespondToPing(r.Context(), contact.ID); err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true}, http.StatusOK)
}

func clearPing(rw http.ResponseWriter, r *http.Request) {
	runtime, contact, err := contactForRequest(r)
	if err != nil {
		writeError(rw, err)
		return
	}

	if err := runtime.pings.ClearOutgoingPing(r.Context(), contact.ID); err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true}, http.StatusOK)
}

func respondToAllPings(rw http.ResponseWriter, r *http.Request) {
	runtime, err := runtimeForRequest(r)
	if err != nil {
		writeError(rw, err)
		return
	}

	if err := runtime.pings.RespondToAllPings(r.Context()); err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true}, http.StatusOK)
}

func setAlert(rw http.ResponseWriter, r *http.Request) {
	data := struct {
		Active bool `json:"active"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	runtime, err := runtimeForRequest(r)
	if err != nil {
		writeError(rw, err)
		return
	}

	if err := runtime.alert.SetAlert(r.Context(), data.Active); err != nil {
		writeError(rw, err)
		return
	}

	payload := map[string]interface{}{"active": runtime.alert.Active()}
	if runtime.alert.Active() {
		payload["raisedAt"] = runtime.alert.RaisedAt()
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: payload}, http.StatusOK)
}

func jwks(rw http.ResponseWriter, r *http.Request) {
	keyPairJWK, err := authKeyPair.JWK()
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(rw).Encode(key.ExportJWKAsJWKS(keyPairJWK))
}

func healthCheck(rw http.ResponseWriter, r *http.Request) {
	writeResponse(rw, ResponsePayload{Success: true}, http.StatusOK)
}

// smsWebhook lets a user check in by replying YES to a reminder text
func smsWebhook(rw http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeErrMsgForSmsWebhook(rw, err)
		return
	}

	if smsClient != nil && !smsClient.ValidateRequest(r.URL.Path, r.PostForm, r.Header.Get("X-Twilio-Signature")) {
		writeResponse(rw, ResponsePayload{Errors: []string{"invalid signature"}}, http.StatusUnauthorized)
		return
	}

	from := r.PostForm.Get("From")
	body := strings.ToUpper(strings.TrimSpace(r.PostForm.Get("Body")))

	if body != "YES" {
		writeSmsWebhookResponse(rw, "Reply YES to check in.")
		return
	}

	docs, err := appStore.Query(r.Context(), docstore.UsersCollection,
		docstore.Filter{Field: "phoneNumber", Value: from})
	if err != nil || len(docs) == 0 {
		writeErrMsgForSmsWebhook(rw, docstore.NewError(docstore.ErrNotFound, "no user with number %v", from))
		return
	}

	runtime, err := registry.runtimeFor(r.Context(), docs[0].ID)
	if err != nil {
		writeErrMsgForSmsWebhook(rw, err)
		return
	}

	if _, err := runtime.engine.CheckIn(r.Context()); err != nil {
		writeErrMsgForSmsWebhook(rw, err)
		return
	}

	writeSmsWebhookResponse(rw, "You're checked in. Talk soon!")
}

// ---------------------------------------------------------------------------------//
// Handler helper functions
// --------------------------------------------------------------------------------//

func requestUserID(r *http.Request) string {
	return mux.Vars(r)["uid"]
}

func runtimeForRequest(r *http.Request) (*userRuntime, error) {
	return registry.runtimeFor(r.Context(), requestUserID(r))
}

func contactForRequest(r *http.Request) (*userRuntime, *models.ContactRef, error) {
	runtime, err := runtimeForRequest(r)
	if err != nil {
		return nil, nil, err
	}

	contactID := mux.Vars(r)["cid"]
	contact, ok := runtime.engine.ContactStore().Get(contactID)
	if !ok {
		return nil, nil, docstore.NewError(docstore.ErrNotFound, "no contact %q", contactID)
	}

	return runtime, &contact, nil
}

func contactPayloadFrom(contact models.ContactRef) contactPayload {
	now := time.Now()

	payload := contactPayload{
		ID:           contact.ID,
		IsResponder:  contact.IsResponder,
		IsDependent:  contact.IsDependent,
		SendPings:    contact.SendPings,
		ReceivePings: contact.ReceivePings,

		Name:     contact.Name,
		Phone:    contact.Phone,
		Note:     contact.Note,
		QRCodeID: contact.QRCodeID,

		ManualAlertActive: contact.ManualAlertActive,
		HasIncomingPing:   contact.HasIncomingPing,
		HasOutgoingPing:   contact.HasOutgoingPing,
	}

	if !contact.LastCheckIn.IsZero() {
		lastCheckIn := contact.LastCheckIn
		payload.LastCheckIn = &lastCheckIn
	}

	if contact.IsDependent {
		payload.RequiresAttention = contact.RequiresAttention(now)
	}

	if contact.Interval > 0 {
		payload.CheckInInterval = int64(contact.Interval / time.Second)
		payload.TimeRemaining = liveness.FormatRemaining(
			liveness.TimeRemaining(contact.LastCheckIn, contact.Interval, now))
	}

	return payload
}
