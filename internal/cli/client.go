// Package cli is shared plumbing for the command line tools that talk to
// igvmd's HTTP API.
package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"
)

// JMap is a generic json object from the API
type JMap map[string]interface{}

// ID returns the object's id field
func (j JMap) ID() string {
	id, _ := j["id"].(string)
	return id
}

func (j JMap) String() string {
	buf, err := json.Marshal(&j)
	if err != nil {
		return ""
	}
	return string(buf)
}

// Client is a thin wrapper around the igvmd HTTP API. Errors are fatal: the
// command line tools have nothing sensible to do with a dead server.
type Client struct {
	c      http.Client
	t      string // content type
	scheme string
	addr   string
}

// New creates a Client for a server address like "http://localhost:18200/"
func New(address string) *Client {
	parts := strings.SplitN(address, "://", 2)
	if len(parts) != 2 {
		parts = []string{"http", address}
	}
	return &Client{scheme: parts[0], addr: parts[1], t: "application/json"}
}

// URLString builds the full URL for an endpoint path
func (c *Client) URLString(endpoint string) string {
	return c.scheme + "://" + path.Join(c.addr, endpoint)
}

// GetMany fetches a list endpoint
func (c *Client) GetMany(title, endpoint string) []JMap {
	resp, err := c.c.Get(c.URLString(endpoint))
	if err != nil {
		log.WithField("error", err).Fatal("failed to get " + title)
	}
	ret := []JMap{}
	processResponse(resp, title, http.StatusOK, &ret)
	return ret
}

// Get fetches a single object
func (c *Client) Get(title, endpoint string) JMap {
	resp, err := c.c.Get(c.URLString(endpoint))
	if err != nil {
		log.WithField("error", err).Fatal("failed to get " + title)
	}
	ret := JMap{}
	processResponse(resp, title, http.StatusOK, &ret)
	return ret
}

// Post submits a json body and returns the created object
func (c *Client) Post(title, endpoint, body string) JMap {
	resp, err := c.c.Post(c.URLString(endpoint), c.t, strings.NewReader(body))
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
			"body":  body,
		}).Fatal("unable to create new " + title)
	}
	ret := JMap{}
	processResponse(resp, title, http.StatusCreated, &ret)
	return ret
}

// Del deletes an object
func (c *Client) Del(title, endpoint string) JMap {
	addr := c.URLString(endpoint)
	req, err := http.NewRequest("DELETE", addr, nil)
	if err != nil {
		log.WithFields(log.Fields{
			"error":   err,
			"address": addr,
		}).Fatal("unable to form request")
	}
	resp, err := c.c.Do(req)
	if err != nil {
		log.WithFields(log.Fields{
			"error":   err,
			"address": addr,
		}).Fatal("unable to complete request")
	}
	ret := JMap{}
	processResponse(resp, title, http.StatusOK, &ret)
	return ret
}

func processResponse(response *http.Response, title string, status int, dest interface{}) {
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != status {
		msg := struct {
			Message string `json:"message"`
		}{}
		_ = json.NewDecoder(response.Body).Decode(&msg)
		log.WithFields(log.Fields{
			"status":  response.Status,
			"message": msg.Message,
		}).Fatal(fmt.Sprintf("request for %s failed", title))
	}

	if err := json.NewDecoder(response.Body).Decode(dest); err != nil {
		log.WithField("error", err).Fatal("failed to parse json")
	}
}
