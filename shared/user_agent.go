package shared

import (
	"fmt"
	"net/http"
)

const userAgentTemplate = "Fedibot/1.0 (+https://%s)"

type IUserAgent interface {
	AddUserAgent(req *http.Request)
}

type userAgent struct {
	userAgentValue string
}

func NewUserAgent(cfg *Config) IUserAgent {
	return &userAgent{
		userAgentValue: fmt.Sprintf(userAgentTemplate, cfg.Host),
	}
}

func (ua *userAgent) AddUserAgent(req *http.Request) {
	req.Header.Set("User-Agent", ua.userAgentValue)
}
