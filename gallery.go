// Copyright 2026 The zombiezen Go Gallery Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//		 https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package gallery provides a client for the gallery API.
//
// Every album, image, and user is keyed by a snowflake.ID.
// Creation times are derived from those IDs rather than stored separately.
package gallery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/semconv/v1.7.0"
	"go.opentelemetry.io/otel/trace"
	"zombiezen.com/go/gallery/snowflake"
)

const maxResponseSize = 4 << 20 // 4 MiB

// HTTP headers
const (
	authorizationHeaderName = "Authorization"
	contentTypeHeaderName   = "Content-Type"
	retryAfterHeaderName    = "Retry-After"
	userAgentHeaderName     = "User-Agent"
)

const (
	jsonMediaType           = "application/json"
	outgoingJSONContentType = "application/json; charset=utf-8"
)

func tracer() trace.Tracer {
	return otel.Tracer("zombiezen.com/go/gallery")
}

// Client is an authenticated client of the gallery API.
type Client struct {
	base      url.URL
	auth      AuthHeader
	http      *http.Client
	userAgent string

	mu        sync.Mutex
	rateLimit rateLimit
}

// ClientOptions holds optional parameters for NewClient.
type ClientOptions struct {
	// BaseURL specifies the client's base URL.
	// If nil, http://localhost:8080/api/v1 is used.
	BaseURL *url.URL

	// HTTPClient is used to make HTTP requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client

	// UserAgent is the name of the application accessing the gallery.
	UserAgent string
}

// NewClient returns a new client. opts may be nil. NewClient panics if
// auth.IsValid() reports false.
func NewClient(auth AuthHeader, opts *ClientOptions) *Client {
	if !auth.IsValid() {
		panic("invalid Authorization passed to gallery.NewClient")
	}
	c := &Client{
		auth:      auth,
		base:      *defaultBaseURL(),
		http:      http.DefaultClient,
		userAgent: "zombiezen.com/go/gallery " + moduleVersion(),
	}
	if opts != nil {
		if opts.BaseURL != nil {
			c.base = *opts.BaseURL
		}
		if opts.HTTPClient != nil {
			c.http = opts.HTTPClient
		}
		if opts.UserAgent != "" {
			c.userAgent = opts.UserAgent
		}
	}
	return c
}

// Error is an error reported by the gallery API.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is (or wraps) a gallery API 404 error.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type apiRequest struct {
	method   string
	route    string
	pathVars map[string]string
	jsonData []byte
}

func (req *apiRequest) resolveURL(base *url.URL) *url.URL {
	u := new(url.URL)
	*u = *base
	path := req.route
	if len(req.pathVars) > 0 {
		replacements := make([]string, 0, len(req.pathVars)*2)
		for k, v := range req.pathVars {
			replacements = append(replacements, "{"+k+"}", v)
		}
		path = strings.NewReplacer(replacements...).Replace(path)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return u
}

func (req *apiRequest) newHTTP(base *url.URL, userAgent string) *http.Request {
	h := &http.Request{
		Method: req.method,
		URL:    req.resolveURL(base),
		Header: http.Header{
			userAgentHeaderName: {userAgent},
		},
	}
	if len(req.jsonData) > 0 {
		h.Header.Set(contentTypeHeaderName, outgoingJSONContentType)
		h.Body = io.NopCloser(bytes.NewReader(req.jsonData))
		h.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(req.jsonData)), nil
		}
		h.ContentLength = int64(len(req.jsonData))
	}
	return h
}

func (c *Client) do(ctx context.Context, req *apiRequest) (_ *http.Response, err error) {
	errURL := req.resolveURL(&c.base)
	errURL.User = nil
	errURL.Fragment = ""
	errURL.RawFragment = ""
	errURL.RawQuery = ""
	errURL.ForceQuery = false
	ctx, span := tracer().Start(
		ctx,
		fmt.Sprintf("Gallery %s %s", req.method, req.route),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(semconv.HTTPClientAttributesFromHTTPRequest(req.newHTTP(&c.base, c.userAgent))...),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "")
		}
		span.End()
	}()

	var resp *http.Response
	for {
		if err := c.waitForRateLimit(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w", errURL, err)
		}

		var err error
		httpReq := req.newHTTP(&c.base, c.userAgent).WithContext(ctx)
		httpReq.Header[authorizationHeaderName] = []string{string(c.auth)}
		resp, err = c.http.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", errURL, err)
		}
		c.updateRateLimit(resp)

		if resp.StatusCode != http.StatusTooManyRequests {
			break
		}
		resp.Body.Close()
		span.AddEvent(fmt.Sprintf("Hit rate limit on %s %s", req.method, req.route))
	}

	span.SetAttributes(semconv.HTTPAttributesFromHTTPStatusCode(resp.StatusCode)...)
	if !(200 <= resp.StatusCode && resp.StatusCode < 300) {
		defer resp.Body.Close()
		typeHeader := resp.Header.Get(contentTypeHeaderName)
		if ct, _, err := mime.ParseMediaType(typeHeader); err != nil || ct != jsonMediaType {
			return nil, fmt.Errorf("%s: %w", errURL, &Error{StatusCode: resp.StatusCode, Message: resp.Status})
		}
		const maxErrorSize = 1 << 20 // 1 MiB
		body, err := readBody(resp, maxErrorSize)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", errURL, &Error{StatusCode: resp.StatusCode, Message: resp.Status})
		}
		var parsedError struct {
			Message string `json:"error"`
		}
		if err := unmarshalJSON(body, &parsedError); err != nil || parsedError.Message == "" {
			return nil, fmt.Errorf("%s: %w", errURL, &Error{StatusCode: resp.StatusCode, Message: resp.Status})
		}
		return nil, fmt.Errorf("%s: %w", errURL, &Error{StatusCode: resp.StatusCode, Message: parsedError.Message})
	}
	return resp, nil
}

// doData performs the request and decodes the "data" member
// of the response envelope into dst.
func (c *Client) doData(ctx context.Context, req *apiRequest, dst interface{}) error {
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	body, err := readBody(resp, maxResponseSize)
	resp.Body.Close()
	if err != nil {
		return err
	}
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := unmarshalJSON(body, &envelope); err != nil {
		return err
	}
	if !envelope.Success {
		return errors.New("server reported failure without error status")
	}
	return unmarshalJSON(envelope.Data, dst)
}

// UserFlags is a bitset of account properties.
type UserFlags uint

// Valid user flags.
const (
	UserFlagStaff  UserFlags = 1 << 0
	UserFlagAdmin  UserFlags = 1 << 1
	UserFlagArtist UserFlags = 1 << 2

	// UserFlagPlaceholder marks an account created to credit an artist
	// who has not registered.
	UserFlagPlaceholder UserFlags = 1 << 3
)

// A User is a gallery account.
type User struct {
	ID            snowflake.ID `json:"id"`
	Handle        string       `json:"handle"`
	Name          string       `json:"name"`
	Flags         UserFlags    `json:"flags"`
	Avatar        string       `json:"avatar,omitempty"`
	Email         string       `json:"email,omitempty"`
	EmailVerified bool         `json:"emailVerified,omitempty"`
	ExternalLinks []*UserLink  `json:"externalLinks"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// A UserLink points at a user's profile on another service.
type UserLink struct {
	Type ExternalLinkType `json:"type"`
	URL  string           `json:"url"`
}

// String returns the user's handle in the form "@handle".
func (u *User) String() string {
	if u == nil {
		return "<nil>"
	}
	return "@" + u.Handle
}

// CurrentUser returns the user that the client is authenticated as.
// Unlike GetUser, private fields such as Email are populated.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	parsed := new(User)
	err := c.doData(ctx, &apiRequest{
		method: http.MethodGet,
		route:  "/users/@me",
	}, parsed)
	if err != nil {
		return nil, fmt.Errorf("get current user: %w", err)
	}
	return parsed, nil
}

// GetUser returns a user object for the given ID.
func (c *Client) GetUser(ctx context.Context, id snowflake.ID) (*User, error) {
	parsed := new(User)
	err := c.doData(ctx, &apiRequest{
		method:   http.MethodGet,
		route:    "/users/{user.id}",
		pathVars: map[string]string{"user.id": id.String()},
	}, parsed)
	if err != nil {
		return nil, fmt.Errorf("get user %v: %w", id, err)
	}
	return parsed, nil
}

// ExternalLinkType names a service that hosts a copy of an album.
type ExternalLinkType string

// Known external link types.
const (
	ExternalLinkE621        ExternalLinkType = "e621"
	ExternalLinkFurAffinity ExternalLinkType = "furaffinity"
	ExternalLinkInkbunny    ExternalLinkType = "inkbunny"
	ExternalLinkTwitter     ExternalLinkType = "twitter"
	ExternalLinkDeviantArt  ExternalLinkType = "deviantart"
	ExternalLinkPatreon     ExternalLinkType = "patreon"
	ExternalLinkOther       ExternalLinkType = "other"
)

// ExternalLinkTypes lists every ExternalLinkType the API accepts.
var ExternalLinkTypes = []ExternalLinkType{
	ExternalLinkE621,
	ExternalLinkFurAffinity,
	ExternalLinkInkbunny,
	ExternalLinkTwitter,
	ExternalLinkDeviantArt,
	ExternalLinkPatreon,
	ExternalLinkOther,
}

// IsValid reports whether t is one of ExternalLinkTypes.
func (t ExternalLinkType) IsValid() bool {
	for _, known := range ExternalLinkTypes {
		if t == known {
			return true
		}
	}
	return false
}

// An ExternalLink points at a copy of the content on another service.
type ExternalLink struct {
	Type ExternalLinkType `json:"type"`
	Info string           `json:"info"`
}

// An Album is an ordered collection of images.
type Album struct {
	ID            snowflake.ID    `json:"id"`
	Title         string          `json:"title"`
	Tags          []string        `json:"tags"`
	Creator       snowflake.ID    `json:"creator"`
	Artist        snowflake.ID    `json:"artist,omitempty"` // zero for an unknown artist
	Vanity        string          `json:"vanity,omitempty"`
	Images        []*AlbumImage   `json:"images"`
	ExternalLinks []*ExternalLink `json:"externalLinks"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// AlbumImage is an image's membership in an album.
type AlbumImage struct {
	ID      snowflake.ID `json:"id"`
	Pos     int          `json:"pos"`
	AddedBy snowflake.ID `json:"addedBy"`
}

// CreateAlbumParams holds the parameters for Client.CreateAlbum.
type CreateAlbumParams struct {
	Title         string          `json:"title"`
	Tags          []string        `json:"tags,omitempty"`
	ExternalLinks []*ExternalLink `json:"externalLinks,omitempty"`
}

// CreateAlbum creates a new, empty album owned by the current user.
func (c *Client) CreateAlbum(ctx context.Context, params *CreateAlbumParams) (*Album, error) {
	reqBody, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("create album %q: %v", params.Title, err)
	}
	parsed := new(Album)
	err = c.doData(ctx, &apiRequest{
		method:   http.MethodPost,
		route:    "/albums",
		jsonData: reqBody,
	}, parsed)
	if err != nil {
		return nil, fmt.Errorf("create album %q: %w", params.Title, err)
	}
	return parsed, nil
}

// GetAlbum returns the album with the given ID.
func (c *Client) GetAlbum(ctx context.Context, id snowflake.ID) (*Album, error) {
	parsed := new(Album)
	err := c.doData(ctx, &apiRequest{
		method:   http.MethodGet,
		route:    "/albums/{album.id}",
		pathVars: map[string]string{"album.id": id.String()},
	}, parsed)
	if err != nil {
		return nil, fmt.Errorf("get album %v: %w", id, err)
	}
	return parsed, nil
}

// Rating is an enumeration of image content ratings.
type Rating int

// Valid ratings.
const (
	RatingUnknown         Rating = -1
	RatingSafe            Rating = 0
	RatingQuestionable    Rating = 1
	RatingNonSexualNudity Rating = 2
	RatingNSFW            Rating = 3
	RatingNSFL            Rating = 4
)

// IsValid reports whether r is a known rating.
func (r Rating) IsValid() bool {
	return RatingUnknown <= r && r <= RatingNSFL
}

// An Image is a single uploaded file.
type Image struct {
	ID        snowflake.ID `json:"id"`
	Uploader  snowflake.ID `json:"uploader"`
	Album     snowflake.ID `json:"album"`
	Rating    Rating       `json:"rating"`
	File      ImageFile    `json:"file"`
	CreatedAt time.Time    `json:"createdAt"`
}

// ImageFile describes the file behind an Image.
type ImageFile struct {
	OriginalName string `json:"originalName"`
	MD5          string `json:"md5"`
	Type         string `json:"type"`
}

// AddImageParams holds the parameters for Client.AddImage.
type AddImageParams struct {
	AlbumID snowflake.ID `json:"-"`
	Rating  Rating       `json:"rating"`
	File    ImageFile    `json:"file"`
}

// AddImage records a new image and appends it to an album.
func (c *Client) AddImage(ctx context.Context, params *AddImageParams) (*Image, error) {
	reqBody, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("add image to album %v: %v", params.AlbumID, err)
	}
	parsed := new(Image)
	err = c.doData(ctx, &apiRequest{
		method:   http.MethodPost,
		route:    "/albums/{album.id}/images",
		pathVars: map[string]string{"album.id": params.AlbumID.String()},
		jsonData: reqBody,
	}, parsed)
	if err != nil {
		return nil, fmt.Errorf("add image to album %v: %w", params.AlbumID, err)
	}
	return parsed, nil
}

// GetImage returns the image with the given ID.
func (c *Client) GetImage(ctx context.Context, id snowflake.ID) (*Image, error) {
	parsed := new(Image)
	err := c.doData(ctx, &apiRequest{
		method:   http.MethodGet,
		route:    "/images/{image.id}",
		pathVars: map[string]string{"image.id": id.String()},
	}, parsed)
	if err != nil {
		return nil, fmt.Errorf("get image %v: %w", id, err)
	}
	return parsed, nil
}

// DecodeID asks the server to split an ID into its fields
// using the server's epoch.
// id is passed as a string so that malformed IDs reach the server unchanged.
func (c *Client) DecodeID(ctx context.Context, id string) (snowflake.Parts, error) {
	var parsed snowflake.Parts
	err := c.doData(ctx, &apiRequest{
		method:   http.MethodGet,
		route:    "/snowflakes/{id}",
		pathVars: map[string]string{"id": id},
	}, &parsed)
	if err != nil {
		return snowflake.Parts{}, fmt.Errorf("decode snowflake %q: %w", id, err)
	}
	return parsed, nil
}

func readBody(resp *http.Response, maxSize int) ([]byte, error) {
	if resp.ContentLength > int64(maxSize) {
		return nil, fmt.Errorf("response body too large (%d bytes)", resp.ContentLength)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxSize)+1))
	if len(b) > maxSize {
		return b[:maxSize], fmt.Errorf("response body too large (stopped at %d bytes)", len(b))
	}
	return b, err
}

func unmarshalJSON(data []byte, value interface{}) error {
	d := json.NewDecoder(bytes.NewReader(data))
	d.UseNumber()
	return d.Decode(value)
}

func defaultBaseURL() *url.URL {
	return &url.URL{
		Scheme: "http",
		Host:   "localhost:8080",
		Path:   "/api/v1",
	}
}

var cachedModuleVersion struct {
	val string
	sync.Once
}

func moduleVersion() string {
	cachedModuleVersion.Do(func() {
		cachedModuleVersion.val = "development" // default
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		const wantPath = "zombiezen.com/go/gallery"
		if info.Main.Path == wantPath {
			if info.Main.Version != "" {
				cachedModuleVersion.val = info.Main.Version
			}
			return
		}
		for _, mod := range info.Deps {
			if mod.Path == wantPath && mod.Version != "" {
				cachedModuleVersion.val = mod.Version
				return
			}
		}
	})
	return cachedModuleVersion.val
}

// parseRetryAfter interprets a Retry-After header value
// as either delay seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Time, bool) {
	if n, err := strconv.Atoi(v); err == nil {
		return now.Add(time.Duration(n) * time.Second), true
	}
	if t, err := time.Parse(http.TimeFormat, v); err == nil {
		return t, true
	}
	return time.Time{}, false
}
