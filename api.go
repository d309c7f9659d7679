package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultApiClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type ApiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) ApiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() ApiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (ApiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

type DeleteResult struct {
	Deleted bool `json:"deleted"`
}

// CanvasApi is the client for the durable entity store. Writes here are
// independent of the realtime path: the pipeline applies locally first
// and calls these fire and forget.
type CanvasApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
	client *http.Client

	mutex sync.Mutex
	byJwt string
}

func NewCanvasApi(apiUrl string) *CanvasApi {
	return NewCanvasApiWithContext(context.Background(), apiUrl)
}

func NewCanvasApiWithContext(ctx context.Context, apiUrl string) *CanvasApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &CanvasApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
		client: defaultApiClient(),
	}
}

// this gets attached to api calls that need it
func (self *CanvasApi) SetToken(byJwt string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.byJwt = byJwt
}

func (self *CanvasApi) token() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.byJwt
}

func (self *CanvasApi) CreateCard(card *Card, callback ApiCallback[*Card]) {
	go apiRequest[Card](self, http.MethodPost, "/cards", card, callback)
}

func (self *CanvasApi) UpdateCard(cardId Id, patch *CardPatch, callback ApiCallback[*Card]) {
	go apiRequest[Card](self, http.MethodPut, fmt.Sprintf("/cards/%s", cardId), patch, callback)
}

func (self *CanvasApi) DeleteCard(cardId Id, callback ApiCallback[*DeleteResult]) {
	go apiRequest[DeleteResult](self, http.MethodDelete, fmt.Sprintf("/cards/%s", cardId), nil, callback)
}

func (self *CanvasApi) CreateConnection(connection *Connection, callback ApiCallback[*Connection]) {
	go apiRequest[Connection](self, http.MethodPost, "/connections", connection, callback)
}

func (self *CanvasApi) DeleteConnection(connectionId Id, callback ApiCallback[*DeleteResult]) {
	go apiRequest[DeleteResult](self, http.MethodDelete, fmt.Sprintf("/connections/%s", connectionId), nil, callback)
}

func (self *CanvasApi) Close() {
	self.cancel()
}

func apiRequest[R any](api *CanvasApi, method string, path string, body any, callback ApiCallback[*R]) {
	var requestBody io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			callback.Result(nil, err)
			return
		}
		requestBody = bytes.NewReader(bodyBytes)
	}

	request, err := http.NewRequestWithContext(api.ctx, method, api.apiUrl+path, requestBody)
	if err != nil {
		callback.Result(nil, err)
		return
	}
	request.Header.Set("Content-Type", "application/json")
	if byJwt := api.token(); byJwt != "" {
		request.Header.Set("Authorization", fmt.Sprintf("Bearer %s", byJwt))
	}

	response, err := api.client.Do(request)
	if err != nil {
		callback.Result(nil, err)
		return
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		callback.Result(nil, err)
		return
	}
	if response.StatusCode < 200 || 300 <= response.StatusCode {
		callback.Result(nil, &ApplicationError{
			Message: fmt.Sprintf("%s %s: %s", method, path, response.Status),
		})
		return
	}

	result := new(R)
	if len(responseBody) != 0 {
		if err := json.Unmarshal(responseBody, result); err != nil {
			callback.Result(nil, err)
			return
		}
	}
	callback.Result(result, nil)
}
