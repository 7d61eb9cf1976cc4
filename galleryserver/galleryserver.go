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

// Package galleryserver provides an in-memory implementation of the gallery API.
package galleryserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
	"zombiezen.com/go/gallery"
	"zombiezen.com/go/gallery/snowflake"
	"zombiezen.com/go/log"
)

// DefaultEpoch is the epoch used when Options does not set one:
// 2020-01-01T00:00:00Z.
var DefaultEpoch = time.UnixMilli(1577836800000).UTC()

const defaultHeartbeatInterval = 45 * time.Second

// minLimiterSweepSize is the smallest number of rate limiters
// that triggers eviction of idle limiters.
const minLimiterSweepSize = 1024

// HTTP headers
const (
	authorizationHeaderName   = "Authorization"
	contentLengthHeaderName   = "Content-Length"
	contentTypeHeaderName     = "Content-Type"
	retryAfterHeaderName      = "Retry-After"
	rateLimitLimitHeader      = "X-Ratelimit-Limit"
	rateLimitRemainingHeader  = "X-Ratelimit-Remaining"
	rateLimitResetAfterHeader = "X-Ratelimit-Reset-After"
)

// Field limits.
const (
	maxTitleLength     = 128
	maxLinkInfoLength  = 256
	maxTagLength       = 64
	maxTagsPerAlbum    = 64
	maxOriginalNameLen = 256
)

var (
	handlePattern = regexp.MustCompile(`^[a-zA-Z0-9_\-]{2,16}$`)
	md5Pattern    = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
)

// imageTypes is the set of accepted image MIME types.
var imageTypes = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
	"image/gif":  {},
	"image/webp": {},
}

func tracer() trace.Tracer {
	return otel.Tracer("zombiezen.com/go/gallery/galleryserver")
}

// Options holds optional parameters for New.
type Options struct {
	// Snowflake configures the identifier generator.
	// A zero Epoch is replaced with DefaultEpoch.
	Snowflake snowflake.Config

	// RateLimit is the sustained number of requests per second
	// permitted for each API key. Zero means unlimited.
	RateLimit rate.Limit
	// RateBurst is the maximum burst size for each API key.
	// Defaults to 1 if RateLimit is set.
	RateBurst int

	// HeartbeatInterval is the interval sent to gateway clients.
	// Defaults to 45 seconds.
	HeartbeatInterval time.Duration

	// Logger receives server events. Defaults to discarding logs.
	Logger log.Logger
}

// A Server is an isolated instance of the gallery API.
// It implements http.Handler and serves at the path "/api".
// It is safe to call Server's methods from multiple goroutines.
// The zero value is an instance of the gallery API
// without any users, using DefaultEpoch and machine ID 0.
type Server struct {
	mu                sync.Mutex
	initialized       bool
	logger            log.Logger
	router            *mux.Router
	snowflakeConfig   snowflake.Config
	rateLimit         rate.Limit
	rateBurst         int
	heartbeatInterval time.Duration

	auths    map[gallery.AuthHeader]*gallery.User
	users    map[snowflake.ID]*gallery.User
	handles  map[string]*gallery.User
	albums   map[snowflake.ID]*gallery.Album
	images   map[snowflake.ID]*gallery.Image
	limiters map[string]*rate.Limiter
	// limiterSweepSize is the number of limiters
	// at which idle limiters are next evicted.
	limiterSweepSize int
	gateways map[*gateway]struct{}

	snowflake snowflake.Generator
}

// New returns a new server configured by opts.
// It returns an error if the identifier configuration is invalid.
func New(opts *Options) (*Server, error) {
	srv := new(Server)
	if opts == nil {
		opts = new(Options)
	}
	srv.snowflakeConfig = opts.Snowflake
	srv.rateLimit = opts.RateLimit
	srv.rateBurst = opts.RateBurst
	srv.heartbeatInterval = opts.HeartbeatInterval
	srv.logger = opts.Logger
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if err := srv.lockedInit(); err != nil {
		return nil, err
	}
	return srv, nil
}

// SetLogger sets the log that the server writes events to.
// The default is to discard logs.
func (srv *Server) SetLogger(logger log.Logger) {
	if logger == nil {
		logger = log.Discard
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.logger = logger
}

// Epoch returns the epoch that the server's identifiers are relative to.
func (srv *Server) Epoch() time.Time {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if err := srv.lockedInit(); err != nil {
		panic(err)
	}
	return srv.snowflake.Epoch()
}

func (srv *Server) lockedInit() error {
	if srv.initialized {
		return nil
	}
	if srv.logger == nil {
		srv.logger = log.Discard
	}
	cfg := srv.snowflakeConfig
	if cfg.Epoch.IsZero() {
		cfg.Epoch = DefaultEpoch
	}
	if err := srv.snowflake.Init(cfg); err != nil {
		return fmt.Errorf("init gallery server: %w", err)
	}
	if srv.rateLimit == 0 {
		srv.rateLimit = rate.Inf
	}
	if srv.rateBurst <= 0 {
		srv.rateBurst = 1
	}
	if srv.heartbeatInterval <= 0 {
		srv.heartbeatInterval = defaultHeartbeatInterval
	}

	srv.router = mux.NewRouter()
	srv.fillRoutes(srv.router.PathPrefix("/api").Subrouter())
	srv.fillRoutes(srv.router.PathPrefix("/api/{version:v[0-9]+}").Subrouter())
	srv.router.HandleFunc("/gateway", srv.handleGatewayWebsocket)

	srv.auths = make(map[gallery.AuthHeader]*gallery.User)
	srv.users = make(map[snowflake.ID]*gallery.User)
	srv.handles = make(map[string]*gallery.User)
	srv.albums = make(map[snowflake.ID]*gallery.Album)
	srv.images = make(map[snowflake.ID]*gallery.Image)
	srv.limiters = make(map[string]*rate.Limiter)
	srv.limiterSweepSize = minLimiterSweepSize
	srv.gateways = make(map[*gateway]struct{})

	srv.initialized = true
	return nil
}

func (srv *Server) fillRoutes(r *mux.Router) {
	r.Handle("/gateway", handlers.MethodHandler{
		http.MethodGet: srv.api(srv.getGateway),
	})
	r.Handle("/users/@me", handlers.MethodHandler{
		http.MethodGet: srv.api(srv.currentUser),
	})
	r.Handle("/users/{user.id}", handlers.MethodHandler{
		http.MethodGet: srv.api(srv.getUser),
	})
	r.Handle("/albums", handlers.MethodHandler{
		http.MethodPost: srv.api(srv.createAlbum),
	})
	r.Handle("/albums/{album.id}", handlers.MethodHandler{
		http.MethodGet: srv.api(srv.getAlbum),
	})
	r.Handle("/albums/{album.id}/images", handlers.MethodHandler{
		http.MethodPost: srv.api(srv.addImage),
	})
	r.Handle("/images/{image.id}", handlers.MethodHandler{
		http.MethodGet: srv.api(srv.getImage),
	})
	r.Handle("/snowflakes/{id}", handlers.MethodHandler{
		http.MethodGet: srv.api(srv.decodeSnowflake),
	})
}

// ServeHTTP serves an API request.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.mu.Lock()
	if err := srv.lockedInit(); err != nil {
		srv.mu.Unlock()
		writeErrorResponse(w, err)
		return
	}
	router := srv.router
	limit := srv.rateLimit
	burst := srv.rateBurst
	if limit == rate.Inf {
		srv.mu.Unlock()
		router.ServeHTTP(w, r)
		return
	}
	now := time.Now()
	limiter := srv.lockedLimiter(srv.lockedRateLimitKey(r), now)
	allowed := limiter.AllowN(now, 1)
	tokens := limiter.TokensAt(now)
	srv.mu.Unlock()

	w.Header().Set(rateLimitLimitHeader, strconv.Itoa(burst))
	w.Header().Set(rateLimitRemainingHeader, strconv.Itoa(int(math.Max(0, math.Floor(tokens)))))
	var resetAfter float64
	if tokens < 1 {
		resetAfter = (1 - tokens) / float64(limit)
	}
	w.Header().Set(rateLimitResetAfterHeader, strconv.FormatFloat(resetAfter, 'f', 3, 64))
	if !allowed {
		w.Header().Set(retryAfterHeaderName, strconv.Itoa(int(math.Ceil(resetAfter))))
		writeErrorResponse(w, &apiError{
			httpStatusCode: http.StatusTooManyRequests,
			err:            errors.New("rate limit exceeded"),
		})
		return
	}
	router.ServeHTTP(w, r)
}

// lockedRateLimitKey returns the bucket name for a request:
// the user that owns its API key, otherwise the client's host.
// Unregistered keys share their host's bucket.
func (srv *Server) lockedRateLimitKey(r *http.Request) string {
	if u := srv.auths[gallery.AuthHeader(r.Header.Get(authorizationHeaderName))]; u != nil {
		return "user:" + u.ID.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

func (srv *Server) lockedLimiter(key string, now time.Time) *rate.Limiter {
	l := srv.limiters[key]
	if l != nil {
		return l
	}
	if len(srv.limiters) >= srv.limiterSweepSize {
		srv.lockedEvictIdleLimiters(now)
		srv.limiterSweepSize = max(2*len(srv.limiters), minLimiterSweepSize)
	}
	l = rate.NewLimiter(srv.rateLimit, srv.rateBurst)
	srv.limiters[key] = l
	return l
}

// lockedEvictIdleLimiters drops every limiter whose bucket has refilled.
// A full bucket behaves the same as a new one.
func (srv *Server) lockedEvictIdleLimiters(now time.Time) {
	for key, l := range srv.limiters {
		if l.TokensAt(now) >= float64(l.Burst()) {
			delete(srv.limiters, key)
		}
	}
}

func (srv *Server) currentUser(ctx context.Context, r *apiRequest) (*apiResponse, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	authUser := srv.lockedRequestUser(r)
	if authUser == nil {
		return nil, errUnauthorized
	}
	return newResponse(http.StatusOK, srv.lockedFormatUser(authUser, true))
}

func (srv *Server) getUser(ctx context.Context, r *apiRequest) (*apiResponse, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.lockedRequestUser(r) == nil {
		return nil, errUnauthorized
	}
	rawID := r.pathVars["user.id"]
	id, err := snowflake.ParseID(rawID)
	if err != nil {
		return nil, notFound("unknown user %q", rawID)
	}
	u := srv.users[id]
	if u == nil {
		return nil, notFound("unknown user %q", rawID)
	}
	return newResponse(http.StatusOK, srv.lockedFormatUser(u, false))
}

func (srv *Server) createAlbum(ctx context.Context, r *apiRequest) (*apiResponse, error) {
	params := new(gallery.CreateAlbumParams)
	if err := json.Unmarshal(r.body, params); err != nil {
		return nil, badRequest("%v", err)
	}
	params.Title = strings.TrimSpace(params.Title)
	if params.Title == "" {
		return nil, badRequest("album title required")
	}
	if n := len([]rune(params.Title)); n > maxTitleLength {
		return nil, badRequest("album title is %d characters (max %d)", n, maxTitleLength)
	}
	tags, err := normalizeTags(params.Tags)
	if err != nil {
		return nil, err
	}
	if err := validateExternalLinks(params.ExternalLinks); err != nil {
		return nil, err
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	authUser := srv.lockedRequestUser(r)
	if authUser == nil {
		return nil, errUnauthorized
	}
	id, err := srv.snowflake.Generate()
	if err != nil {
		return nil, fmt.Errorf("create album: %w", err)
	}
	album := &gallery.Album{
		ID:            id,
		Title:         params.Title,
		Tags:          tags,
		Creator:       authUser.ID,
		Images:        []*gallery.AlbumImage{},
		ExternalLinks: copyLinks(params.ExternalLinks),
	}
	if authUser.Flags&gallery.UserFlagArtist != 0 {
		album.Artist = authUser.ID
	}
	srv.albums[id] = album
	log.Logf(ctx, srv.logger, log.Info, "User %v created album %v", authUser.ID, id)
	formatted := srv.lockedFormatAlbum(album)
	srv.lockedBroadcast(gallery.AlbumCreateEvent, formatted)
	return newResponse(http.StatusCreated, formatted)
}

func (srv *Server) getAlbum(ctx context.Context, r *apiRequest) (*apiResponse, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.lockedRequestUser(r) == nil {
		return nil, errUnauthorized
	}
	album, err := srv.lockedAlbum(r.pathVars["album.id"])
	if err != nil {
		return nil, err
	}
	return newResponse(http.StatusOK, srv.lockedFormatAlbum(album))
}

func (srv *Server) addImage(ctx context.Context, r *apiRequest) (*apiResponse, error) {
	params := new(gallery.AddImageParams)
	if err := json.Unmarshal(r.body, params); err != nil {
		return nil, badRequest("%v", err)
	}
	if !params.Rating.IsValid() {
		return nil, badRequest("invalid rating %d", params.Rating)
	}
	if !md5Pattern.MatchString(params.File.MD5) {
		return nil, badRequest("file md5 must be 32 hex digits")
	}
	params.File.MD5 = strings.ToLower(params.File.MD5)
	if _, ok := imageTypes[params.File.Type]; !ok {
		return nil, badRequest("unsupported file type %q", params.File.Type)
	}
	if params.File.OriginalName == "" {
		return nil, badRequest("file original name required")
	}
	if n := len(params.File.OriginalName); n > maxOriginalNameLen {
		return nil, badRequest("file original name is %d bytes (max %d)", n, maxOriginalNameLen)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	authUser := srv.lockedRequestUser(r)
	if authUser == nil {
		return nil, errUnauthorized
	}
	album, err := srv.lockedAlbum(r.pathVars["album.id"])
	if err != nil {
		return nil, err
	}
	if album.Creator != authUser.ID && authUser.Flags&gallery.UserFlagAdmin == 0 {
		return nil, &apiError{
			httpStatusCode: http.StatusForbidden,
			err:            fmt.Errorf("user %v may not add images to album %v", authUser.ID, album.ID),
		}
	}
	id, err := srv.snowflake.Generate()
	if err != nil {
		return nil, fmt.Errorf("add image: %w", err)
	}
	img := &gallery.Image{
		ID:       id,
		Uploader: authUser.ID,
		Album:    album.ID,
		Rating:   params.Rating,
		File:     params.File,
	}
	srv.images[id] = img
	album.Images = append(album.Images, &gallery.AlbumImage{
		ID:      id,
		Pos:     len(album.Images),
		AddedBy: authUser.ID,
	})
	log.Logf(ctx, srv.logger, log.Info, "User %v added image %v to album %v", authUser.ID, id, album.ID)
	formatted := srv.lockedFormatImage(img)
	srv.lockedBroadcast(gallery.ImageCreateEvent, formatted)
	return newResponse(http.StatusCreated, formatted)
}

func (srv *Server) getImage(ctx context.Context, r *apiRequest) (*apiResponse, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.lockedRequestUser(r) == nil {
		return nil, errUnauthorized
	}
	rawID := r.pathVars["image.id"]
	id, err := snowflake.ParseID(rawID)
	if err != nil {
		return nil, notFound("unknown image %q", rawID)
	}
	img := srv.images[id]
	if img == nil {
		return nil, notFound("unknown image %q", rawID)
	}
	return newResponse(http.StatusOK, srv.lockedFormatImage(img))
}

// decodeSnowflake splits an identifier into its fields.
// It does not require authentication.
func (srv *Server) decodeSnowflake(ctx context.Context, r *apiRequest) (*apiResponse, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	parts, err := srv.snowflake.Decode(r.pathVars["id"])
	if err != nil {
		return nil, badRequest("%v", err)
	}
	return newResponse(http.StatusOK, parts)
}

func (srv *Server) lockedAlbum(rawID string) (*gallery.Album, error) {
	id, err := snowflake.ParseID(rawID)
	if err != nil {
		return nil, notFound("unknown album %q", rawID)
	}
	album := srv.albums[id]
	if album == nil {
		return nil, notFound("unknown album %q", rawID)
	}
	return album, nil
}

// lockedFormatUser returns a copy of u with its creation time filled in.
// Private fields are cleared unless private is true.
func (srv *Server) lockedFormatUser(u *gallery.User, private bool) *gallery.User {
	u2 := new(gallery.User)
	*u2 = *u
	u2.CreatedAt = srv.snowflake.Time(u.ID)
	if !private {
		u2.Email = ""
		u2.EmailVerified = false
	}
	return u2
}

func (srv *Server) lockedFormatAlbum(album *gallery.Album) *gallery.Album {
	album2 := new(gallery.Album)
	*album2 = *album
	album2.CreatedAt = srv.snowflake.Time(album.ID)
	album2.Images = append([]*gallery.AlbumImage{}, album.Images...)
	return album2
}

func (srv *Server) lockedFormatImage(img *gallery.Image) *gallery.Image {
	img2 := new(gallery.Image)
	*img2 = *img
	img2.CreatedAt = srv.snowflake.Time(img.ID)
	return img2
}

func (srv *Server) lockedRequestUser(r *apiRequest) *gallery.User {
	return srv.auths[gallery.AuthHeader(r.header.Get(authorizationHeaderName))]
}

// RegisterUser creates a new account and returns its API key.
// handle must be 2 to 16 letters, digits, underscores, or hyphens
// and must not already be taken (ignoring case).
func (srv *Server) RegisterUser(handle, name string) (apiKey string, err error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if err := srv.lockedInit(); err != nil {
		return "", err
	}
	u, apiKey, err := srv.lockedRegisterUser(handle, name)
	if err != nil {
		return "", err
	}
	log.Logf(context.Background(), srv.logger, log.Info, "Registered user %v (@%s)", u.ID, u.Handle)
	return apiKey, nil
}

// SetUserFlags replaces the flags on the user that owns apiKey.
func (srv *Server) SetUserFlags(apiKey string, flags gallery.UserFlags) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if err := srv.lockedInit(); err != nil {
		return err
	}
	u := srv.auths[gallery.APIKeyAuthorization(apiKey)]
	if u == nil {
		return errors.New("set user flags: unknown API key")
	}
	u.Flags = flags
	return nil
}

func (srv *Server) lockedRegisterUser(handle, name string) (u *gallery.User, apiKey string, err error) {
	if !handlePattern.MatchString(handle) {
		return nil, "", fmt.Errorf("register user: invalid handle %q", handle)
	}
	foldedHandle := strings.ToLower(handle)
	if srv.handles[foldedHandle] != nil {
		return nil, "", fmt.Errorf("register user: handle %q already taken", handle)
	}
	if name == "" {
		name = handle
	}
	id, err := srv.snowflake.Generate()
	if err != nil {
		return nil, "", fmt.Errorf("register user: %w", err)
	}
	u = &gallery.User{
		ID:            id,
		Handle:        handle,
		Name:          name,
		ExternalLinks: []*gallery.UserLink{},
	}
	apiKey = uuid.NewString()
	srv.users[id] = u
	srv.handles[foldedHandle] = u
	srv.auths[gallery.APIKeyAuthorization(apiKey)] = u
	return u, apiKey, nil
}

func validateExternalLinks(links []*gallery.ExternalLink) error {
	for i, link := range links {
		if link == nil {
			return badRequest("external link %d is null", i)
		}
		if !link.Type.IsValid() {
			return badRequest("external link %d: unknown type %q", i, link.Type)
		}
		if link.Info == "" {
			return badRequest("external link %d: info required", i)
		}
		if n := len([]rune(link.Info)); n > maxLinkInfoLength {
			return badRequest("external link %d: info is %d characters (max %d)", i, n, maxLinkInfoLength)
		}
	}
	return nil
}

// normalizeTags lowercases and trims tags, dropping empty and duplicate tags.
func normalizeTags(tags []string) ([]string, error) {
	result := []string{}
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if len(tag) > maxTagLength {
			return nil, badRequest("tag %q too long (max %d bytes)", tag, maxTagLength)
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		result = append(result, tag)
	}
	if len(result) > maxTagsPerAlbum {
		return nil, badRequest("%d tags given (max %d)", len(result), maxTagsPerAlbum)
	}
	return result, nil
}

func copyLinks(links []*gallery.ExternalLink) []*gallery.ExternalLink {
	result := make([]*gallery.ExternalLink, 0, len(links))
	for _, link := range links {
		link2 := new(gallery.ExternalLink)
		*link2 = *link
		result = append(result, link2)
	}
	return result
}
