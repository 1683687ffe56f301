// Package backend is the hosted data service the blog talks to: accounts and
// access tokens, post and category storage, and the realtime change feed.
package backend

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type Config struct {
	// PublicKey must accompany every request in the apikey header.
	PublicKey string
	// ServiceKey may be used instead of PublicKey and additionally allows
	// category changes.
	ServiceKey   string
	JWTSecret    string
	TokenTTL     time.Duration
	EnableSignup bool
	Environment  string
	// PasswordCost overrides the bcrypt cost when set.
	PasswordCost int
}

type Server struct {
	Store  *Store
	Auth   *Auth
	Broker *Broker
	config Config
}

func New(db *sql.DB, config Config) (*Server, error) {
	if config.PublicKey == "" {
		return nil, errors.New("no public key defined")
	}
	auth, err := NewAuth(config.JWTSecret, config.TokenTTL)
	if err != nil {
		return nil, err
	}
	if config.PasswordCost > 0 {
		auth.cost = config.PasswordCost
	}
	return &Server{
		Store:  &Store{DB: db},
		Auth:   auth,
		Broker: NewBroker(),
		config: config,
	}, nil
}

func (s *Server) signupEnabled() bool {
	return s.config.Environment == "dev" || s.config.EnableSignup
}

// Echo builds the HTTP API.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:apikey,query:apikey",
		Validator: func(key string, c echo.Context) (bool, error) {
			return key == s.config.PublicKey || (s.config.ServiceKey != "" && key == s.config.ServiceKey), nil
		},
	}))
	e.HTTPErrorHandler = httpErrorHandler

	requireUser := echojwt.WithConfig(echojwt.Config{
		TokenLookup: "header:Authorization:Bearer ",
		ParseTokenFunc: func(c echo.Context, auth string) (interface{}, error) {
			return s.Auth.Parse(auth)
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing access token")
		},
	})

	authAPI := e.Group("/auth/v1")
	authAPI.POST("/signup", s.SignUp)
	authAPI.POST("/token", s.SignIn)
	authAPI.POST("/logout", s.SignOut, requireUser)
	authAPI.GET("/user", s.GetUser, requireUser)

	rest := e.Group("/rest/v1")
	rest.GET("/posts", s.ListPosts)
	rest.GET("/posts/:id", s.GetPost)
	rest.POST("/posts", s.InsertPost, requireUser)
	rest.PATCH("/posts/:id", s.UpdatePost, requireUser)
	rest.DELETE("/posts/:id", s.DeletePost, requireUser)

	rest.GET("/categories", s.ListCategories)
	rest.GET("/categories/:id", s.GetCategory)
	rest.POST("/categories", s.InsertCategory, s.requireServiceKey)
	rest.PATCH("/categories/:id", s.RenameCategory, s.requireServiceKey)
	rest.DELETE("/categories/:id", s.DeleteCategory, s.requireServiceKey)

	e.GET("/realtime/v1", s.Realtime)
	return e
}

func (s *Server) requireServiceKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.config.ServiceKey == "" || c.Request().Header.Get("apikey") != s.config.ServiceKey {
			return echo.NewHTTPError(http.StatusForbidden, "service key required")
		}
		return next(c)
	}
}

func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	he, ok := err.(*echo.HTTPError)
	if !ok {
		he = toHTTPError(err)
	}
	if he.Code >= http.StatusInternalServerError {
		c.Logger().Error(err)
	}
	message := he.Message
	if m, ok := message.(string); ok {
		message = map[string]string{"message": m}
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(he.Code)
	} else {
		err = c.JSON(he.Code, message)
	}
	if err != nil {
		c.Logger().Error(err)
	}
}
