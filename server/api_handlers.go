package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"fedibot/logic"
	"fedibot/shared"
)

type apiHandlerGroup struct {
	cfg     *shared.Config
	logger  shared.ILogger
	metrics logic.IMetrics
	udir    logic.IUserDirectory
}

func NewApiHandlerGroup(
	cfg *shared.Config,
	logger shared.ILogger,
	metrics logic.IMetrics,
	udir logic.IUserDirectory,
) IHandlerGroup {
	res := apiHandlerGroup{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		udir:    udir,
	}
	return &res
}

func (hg *apiHandlerGroup) Prefix() string {
	return "/api"
}

func (hg *apiHandlerGroup) GroupDefs() []handlerDef {
	return []handlerDef{
		{"POST", "/accounts", func(w http.ResponseWriter, r *http.Request) { hg.postAccounts(w, r) }},
		{"GET", "/accounts", func(w http.ResponseWriter, r *http.Request) { hg.getAccounts(w, r) }},
		{"POST", "/accounts/{user}/tokens", func(w http.ResponseWriter, r *http.Request) { hg.postTokens(w, r) }},
	}
}

func (hg *apiHandlerGroup) AuthMW() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return hg.authMW(next)
	}
}

func (hg *apiHandlerGroup) authMW(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var apiKey = r.Header.Get(apiKeyHeader)
		found := false
		for _, key := range hg.cfg.Secrets.ApiKeys {
			if apiKey == key {
				found = true
			}
		}
		if !found {
			keyPart := apiKey
			if len(apiKey) > 4 {
				keyPart = apiKey[:4] + "..."
			}
			hg.logger.Warnf("API request with missing or invalid key '%s': %s", keyPart, r.URL.Path)
			writeErrorResponse(w, badApiKeyStr, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createAccountReq struct {
	Username string `json:"username"`
	Name     string `json:"name"`
	Summary  string `json:"summary"`
}

type accountResp struct {
	Username  string `json:"username"`
	Moniker   string `json:"moniker"`
	Url       string `json:"url"`
	CreatedAt string `json:"created_at"`
}

func (hg *apiHandlerGroup) postAccounts(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling accounts POST: %s", r.URL.Path)
	obs := hg.metrics.StartApiRequestIn("accounts")
	defer obs.Finish()

	bodyBytes := readBody(hg.logger, w, r)
	if bodyBytes == nil {
		return
	}
	var req createAccountReq
	if err := json.Unmarshal(bodyBytes, &req); err != nil || req.Username == "" {
		writeErrorResponse(w, "Invalid request body; 'username' is required", http.StatusBadRequest)
		return
	}

	acct, err := hg.udir.CreateAccount(req.Username, req.Name, req.Summary)
	if err != nil {
		hg.logger.Infof("Cannot create account '%s': %v", req.Username, err)
		writeErrorResponse(w, "Cannot create account", http.StatusConflict)
		return
	}

	idb := shared.IdBuilder{Host: hg.cfg.Host}
	resp := accountResp{
		Username:  acct.Username,
		Moniker:   shared.MakeFullMoniker(acct.Domain, acct.Username),
		Url:       idb.UserUrl(acct.Username),
		CreatedAt: acct.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}
	writeJsonResponse(hg.logger, w, resp)
}

func (hg *apiHandlerGroup) getAccounts(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling accounts GET: %s", r.URL.Path)
	obs := hg.metrics.StartApiRequestIn("accounts")
	defer obs.Finish()

	limit := int(hg.cfg.PageSize)
	offset := 0
	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if page, err := strconv.Atoi(pageStr); err == nil && page > 0 {
			offset = page * limit
		}
	}

	accounts, total, err := hg.udir.GetAccountsPage(offset, limit)
	if err != nil {
		hg.logger.Errorf("Error listing accounts: %v", err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}

	idb := shared.IdBuilder{Host: hg.cfg.Host}
	items := make([]accountResp, 0, len(accounts))
	for _, acct := range accounts {
		items = append(items, accountResp{
			Username:  acct.Username,
			Moniker:   shared.MakeFullMoniker(acct.Domain, acct.Username),
			Url:       idb.UserUrl(acct.Username),
			CreatedAt: acct.CreatedAt.Format("2006-01-02T15:04:05Z"),
		})
	}
	resp := map[string]any{
		"total":    total,
		"accounts": items,
	}
	writeJsonResponse(hg.logger, w, resp)
}

type mintTokenReq struct {
	Name string `json:"name"`
}

func (hg *apiHandlerGroup) postTokens(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling tokens POST: %s", r.URL.Path)
	obs := hg.metrics.StartApiRequestIn("tokens")
	defer obs.Finish()

	userName := mux.Vars(r)["user"]

	var req mintTokenReq
	bodyBytes := readBody(hg.logger, w, r)
	if bodyBytes == nil {
		return
	}
	if len(bodyBytes) != 0 {
		// Token name is optional
		_ = json.Unmarshal(bodyBytes, &req)
	}

	token, err := hg.udir.MintToken(userName, req.Name)
	if err != nil {
		hg.logger.Infof("Cannot mint token for '%s': %v", userName, err)
		writeErrorResponse(w, "Cannot mint token", http.StatusBadRequest)
		return
	}
	writeJsonResponse(hg.logger, w, map[string]string{"token": token})
}
