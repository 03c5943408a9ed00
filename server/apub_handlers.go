package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"fedibot/dto"
	"fedibot/logic"
	"fedibot/shared"
)

// Groups together the handlers needed to implement an ActivityPub server.
type apubHandlerGroup struct {
	cfg        *shared.Config
	logger     shared.ILogger
	metrics    logic.IMetrics
	sigChecker logic.IHttpSigChecker
	udir       logic.IUserDirectory
	dispatcher logic.IInboxDispatcher
	notes      logic.INotes
	reResource *regexp.Regexp
}

func NewApubHandlerGroup(
	cfg *shared.Config,
	logger shared.ILogger,
	metrics logic.IMetrics,
	sigChecker logic.IHttpSigChecker,
	udir logic.IUserDirectory,
	dispatcher logic.IInboxDispatcher,
	notes logic.INotes,
) IHandlerGroup {
	res := apubHandlerGroup{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		sigChecker: sigChecker,
		udir:       udir,
		dispatcher: dispatcher,
		notes:      notes,
	}
	res.reResource = regexp.MustCompile("^acct:([^@]+)@([^@]+)$")
	return &res
}

func (hg *apubHandlerGroup) Prefix() string {
	return ""
}

func (hg *apubHandlerGroup) GroupDefs() []handlerDef {
	return []handlerDef{
		{"GET", "/.well-known/webfinger", func(w http.ResponseWriter, r *http.Request) { hg.getWebfinger(w, r) }},
		{"GET", "/u/{user}", func(w http.ResponseWriter, r *http.Request) { hg.getUser(w, r) }},
		{"GET", "/u/{user}/outbox", func(w http.ResponseWriter, r *http.Request) { hg.getUserOutbox(w, r) }},
		{"GET", "/u/{user}/followers", func(w http.ResponseWriter, r *http.Request) { hg.getUserFollowers(w, r) }},
		{"GET", "/u/{user}/notes/{uid}", func(w http.ResponseWriter, r *http.Request) { hg.getUserNote(w, r) }},
		{"POST", "/u/{user}/inbox", func(w http.ResponseWriter, r *http.Request) { hg.postInbox(w, r) }},
		{"POST", "/u/{user}/create_note", func(w http.ResponseWriter, r *http.Request) { hg.postCreateNote(w, r) }},
		{"PUT", "/u/{user}/notes/{uid}", func(w http.ResponseWriter, r *http.Request) { hg.putUserNote(w, r) }},
		{"DELETE", "/u/{user}/notes/{uid}", func(w http.ResponseWriter, r *http.Request) { hg.deleteUserNote(w, r) }},
		{"POST", "/u/{user}/update_profile", func(w http.ResponseWriter, r *http.Request) { hg.postUpdateProfile(w, r) }},
	}
}

func (hg *apubHandlerGroup) AuthMW() func(next http.Handler) http.Handler {
	return emptyMW
}

func (hg *apubHandlerGroup) getWebfinger(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling webfinger GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("webfinger")
	defer obs.Finish()

	resourceParam := r.URL.Query().Get("resource")
	groups := hg.reResource.FindStringSubmatch(resourceParam)
	if groups == nil {
		hg.logger.Infof("Webfinger: Invalid request; 'resource' param is '%s'", resourceParam)
		writeErrorResponse(w, "Missing or invalid 'resource' param", http.StatusBadRequest)
		return
	}
	user, host := groups[1], groups[2]
	if host != hg.cfg.Host {
		hg.logger.Infof("Webfinger: request for foreign host '%s'", host)
		writeErrorResponse(w, "No such resource", http.StatusNotFound)
		return
	}

	resp, err := hg.udir.GetWebfinger(user)
	if err != nil {
		hg.logger.Errorf("Webfinger: error retrieving '%s': %v", user, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if resp == nil {
		hg.logger.Infof("Webfinger: No such resource; 'resource' param is '%s'", resourceParam)
		writeErrorResponse(w, "No such resource", http.StatusNotFound)
		return
	}

	writeJsonResponse(hg.logger, w, resp)
}

func (hg *apubHandlerGroup) getUser(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling user GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("user")
	defer obs.Finish()
	userName := mux.Vars(r)["user"]

	if !acceptsJson(r) {
		writeErrorResponse(w, "This resource is served as application/activity+json", http.StatusNotAcceptable)
		return
	}

	userInfo, err := hg.udir.GetUserInfo(userName)
	if err != nil {
		hg.logger.Errorf("Error retrieving user '%s': %v", userName, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if userInfo == nil {
		hg.logger.Infof("Info requested for unknown user: '%s'", userName)
		writeErrorResponse(w, "No such user", http.StatusNotFound)
		return
	}

	writeJsonResponse(hg.logger, w, userInfo)
}

func (hg *apubHandlerGroup) getUserOutbox(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling user outbox GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("user/outbox")
	defer obs.Finish()

	userName := mux.Vars(r)["user"]
	coll, err := hg.udir.GetOutboxCollection(userName, getPageParam(r))
	if err != nil {
		hg.logger.Errorf("Error retrieving outbox of '%s': %v", userName, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if coll == nil {
		hg.logger.Infof("Outbox requested for unknown user: '%s'", userName)
		writeErrorResponse(w, "No such user", http.StatusNotFound)
		return
	}
	writeJsonResponse(hg.logger, w, coll)
}

func (hg *apubHandlerGroup) getUserFollowers(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling user followers GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("user/followers")
	defer obs.Finish()

	userName := mux.Vars(r)["user"]
	coll, err := hg.udir.GetFollowersCollection(userName, getPageParam(r))
	if err != nil {
		hg.logger.Errorf("Error retrieving followers of '%s': %v", userName, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if coll == nil {
		hg.logger.Infof("Followers requested for unknown user: '%s'", userName)
		writeErrorResponse(w, "No such user", http.StatusNotFound)
		return
	}
	writeJsonResponse(hg.logger, w, coll)
}

func (hg *apubHandlerGroup) getUserNote(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling user note GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("user/note")
	defer obs.Finish()

	userName := mux.Vars(r)["user"]
	uid := mux.Vars(r)["uid"]

	noteDoc, err := hg.udir.GetNoteDoc(userName, uid)
	if err != nil {
		hg.logger.Errorf("Error retrieving note %s/%s: %v", userName, uid, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if noteDoc == nil {
		hg.logger.Infof("Note not found: %s/%s", userName, uid)
		writeErrorResponse(w, "User or note not found", http.StatusNotFound)
		return
	}

	writeJsonResponse(hg.logger, w, noteDoc)
}

func (hg *apubHandlerGroup) postInbox(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling user inbox POST: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("user/inbox")
	defer obs.Finish()

	userName := mux.Vars(r)["user"]
	userInfo, err := hg.udir.GetUserInfo(userName)
	if err != nil {
		hg.logger.Errorf("Error retrieving user '%s': %v", userName, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if userInfo == nil {
		hg.logger.Infof("Inbox POST for unknown user: '%s'", userName)
		writeErrorResponse(w, "No such user", http.StatusNotFound)
		return
	}

	bodyBytes := readBody(hg.logger, w, r)
	if bodyBytes == nil {
		return
	}
	if len(bodyBytes) == 0 {
		hg.logger.Info("Empty request body")
		writeErrorResponse(w, "Request body must not be empty", http.StatusBadRequest)
		return
	}

	// A rudimentary parse: enough to reject junk and to know the type
	var act dto.ActivityInBase
	if err = json.Unmarshal(bodyBytes, &act); err != nil {
		hg.logger.Infof("Invalid JSON in request body: %v", err)
		writeErrorResponse(w, "Request body is not valid JSON", http.StatusBadRequest)
		return
	}
	if act.Type == "" {
		hg.logger.Info("Inbound activity has no 'type' field")
		writeErrorResponse(w, "Activity has no 'type' field", http.StatusBadRequest)
		return
	}

	sender, sigProblem, err := hg.sigChecker.Check(r, bodyBytes)
	if err != nil {
		hg.logger.Errorf("Unexpected error trying to verify signature: %v", err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if sigProblem != "" {
		if act.Type == "Delete" {
			// Peers broadcast Delete for gone actors; verification is
			// impossible once the actor's key is unfetchable
			hg.logger.Infof("Ignoring Delete request with unverified actor signature")
			writeJsonResponse(hg.logger, w, "OK")
		} else {
			hg.logger.Warnf("Incorrectly signed inbox POST request: %s", sigProblem)
			msg := fmt.Sprintf("Invalid HTTP signature: %s", sigProblem)
			writeErrorResponse(w, msg, http.StatusUnauthorized)
		}
		return
	}

	// Does signer match actor?
	if sender.Url != act.Actor {
		hg.logger.Warnf("Activity signed by %s, but actor is %s", sender.Url, act.Actor)
		writeErrorResponse(w, "Signer does not match actor", http.StatusUnauthorized)
		return
	}

	resp, err := hg.dispatcher.Dispatch(userName, sender, bodyBytes)
	if err != nil {
		// Handler-level problems are not surfaced to the remote sender
		hg.logger.Infof("Error processing '%s' activity %s: %v", act.Type, act.Id, err)
	}
	if resp != "" {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, resp)
		return
	}
	writeJsonResponse(hg.logger, w, "OK")
}

// checkNoteAuth authorizes a content mutation request against the actor's
// credential set. Writes the error response when not authorized.
func (hg *apubHandlerGroup) checkNoteAuth(w http.ResponseWriter, r *http.Request, userName string) bool {

	token := getAccessToken(r)
	ok, err := hg.udir.CheckToken(userName, token)
	if err != nil {
		hg.logger.Errorf("Error checking access token for '%s': %v", userName, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return false
	}
	if !ok {
		hg.logger.Warnf("Missing or invalid access token for '%s'", userName)
		writeErrorResponse(w, "Missing or invalid access token", http.StatusUnauthorized)
		return false
	}
	return true
}

func (hg *apubHandlerGroup) postCreateNote(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling create note POST: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("user/create_note")
	defer obs.Finish()

	userName := mux.Vars(r)["user"]
	if !hg.checkNoteAuth(w, r, userName) {
		return
	}

	content := r.FormValue("content")
	if content == "" {
		writeErrorResponse(w, "Missing 'content' field", http.StatusBadRequest)
		return
	}
	inReplyTo := r.FormValue("in_reply_to")
	public := r.FormValue("visibility") != "direct"
	var toHandles []string
	if toStr := r.FormValue("to"); toStr != "" {
		toHandles = strings.Split(toStr, ",")
	}

	note, err := hg.notes.CreateNote(userName, content, inReplyTo, public, toHandles)
	if err != nil {
		hg.logger.Errorf("Error creating note for '%s': %v", userName, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}

	idb := shared.IdBuilder{Host: hg.cfg.Host}
	resp := map[string]any{
		"uid": note.Uid,
		"url": idb.NoteUrl(userName, note.Uid),
	}
	writeJsonResponse(hg.logger, w, resp)
}

func (hg *apubHandlerGroup) putUserNote(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling note PUT: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("user/update_note")
	defer obs.Finish()

	userName := mux.Vars(r)["user"]
	uid := mux.Vars(r)["uid"]
	if !hg.checkNoteAuth(w, r, userName) {
		return
	}

	content := r.FormValue("content")
	if content == "" {
		writeErrorResponse(w, "Missing 'content' field", http.StatusBadRequest)
		return
	}

	if err := hg.notes.UpdateNote(userName, uid, content); err != nil {
		hg.logger.Infof("Error updating note %s/%s: %v", userName, uid, err)
		writeErrorResponse(w, "Cannot update note", http.StatusBadRequest)
		return
	}
	writeJsonResponse(hg.logger, w, "OK")
}

func (hg *apubHandlerGroup) deleteUserNote(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling note DELETE: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("user/delete_note")
	defer obs.Finish()

	userName := mux.Vars(r)["user"]
	uid := mux.Vars(r)["uid"]
	if !hg.checkNoteAuth(w, r, userName) {
		return
	}

	if err := hg.notes.DeleteNote(userName, uid); err != nil {
		hg.logger.Infof("Error deleting note %s/%s: %v", userName, uid, err)
		writeErrorResponse(w, "Cannot delete note", http.StatusBadRequest)
		return
	}
	writeJsonResponse(hg.logger, w, "OK")
}

func (hg *apubHandlerGroup) postUpdateProfile(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling update profile POST: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("user/update_profile")
	defer obs.Finish()

	userName := mux.Vars(r)["user"]
	if !hg.checkNoteAuth(w, r, userName) {
		return
	}

	name := r.FormValue("name")
	summary := r.FormValue("summary")
	if name == "" && summary == "" {
		writeErrorResponse(w, "Nothing to update", http.StatusBadRequest)
		return
	}

	if err := hg.udir.UpdateProfile(userName, name, summary); err != nil {
		hg.logger.Errorf("Error updating profile of '%s': %v", userName, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	writeJsonResponse(hg.logger, w, "OK")
}

func getPageParam(r *http.Request) int {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 0 {
		return 0
	}
	return page
}
