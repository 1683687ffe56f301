package backend

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"scribe/domain"
)

func toHTTPError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, domain.ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

func claimsOf(c echo.Context) *Claims {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok {
		return nil
	}
	claims, _ := token.Claims.(*Claims)
	return claims
}

// filterOf reads the single column=value filter of a request. More than one
// filter is rejected.
func filterOf(c echo.Context) (domain.Filter, error) {
	var filter domain.Filter
	for column, values := range c.QueryParams() {
		if column == "apikey" || len(values) == 0 {
			continue
		}
		if !filter.IsZero() || len(values) > 1 {
			return domain.Filter{}, fmt.Errorf("%w: only one filter is supported", domain.ErrInvalid)
		}
		filter = domain.Eq(column, values[0])
	}
	return filter, nil
}

// ownerOf returns the owner a write is restricted to. An explicit user_id
// filter must name the caller.
func ownerOf(c echo.Context) (string, error) {
	subject := claimsOf(c).Subject
	filter, err := filterOf(c)
	if err != nil {
		return "", err
	}
	if filter.IsZero() {
		return subject, nil
	}
	if filter.Column != "user_id" {
		return "", fmt.Errorf("%w: writes can only be filtered by user_id", domain.ErrInvalid)
	}
	if filter.Value != subject {
		return "", domain.ErrForbidden
	}
	return subject, nil
}

func (s *Server) SignUp(c echo.Context) error {
	if !s.signupEnabled() {
		return echo.NewHTTPError(http.StatusForbidden, "sign up has been disabled")
	}
	var creds domain.Credentials
	if err := c.Bind(&creds); err != nil {
		return err
	}
	if err := creds.Validate(); err != nil {
		return err
	}
	hashed, err := s.Auth.HashPassword(creds.Password)
	if err != nil {
		return err
	}
	user, err := s.Store.CreateUser(c.Request().Context(), creds.Email, hashed)
	if err != nil {
		return err
	}
	session, err := s.Auth.Issue(user)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, session)
}

func (s *Server) SignIn(c echo.Context) error {
	var creds domain.Credentials
	if err := c.Bind(&creds); err != nil {
		return err
	}
	if creds.Email == "" || creds.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email and password are required")
	}
	user, hashed, err := s.Store.UserByEmail(c.Request().Context(), creds.Email)
	if errors.Is(err, domain.ErrNotFound) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid login credentials")
	}
	if err != nil {
		return err
	}
	if err := s.Auth.ComparePassword(hashed, creds.Password); err != nil {
		return err
	}
	session, err := s.Auth.Issue(user)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, session)
}

func (s *Server) SignOut(c echo.Context) error {
	claims := claimsOf(c)
	s.Auth.Revoke(claims)
	s.Broker.Publish(Change{
		Table: domain.TableAuth,
		Kind:  domain.EventSignedOut,
		Old:   domain.AuthChange{UserID: claims.Subject},
	})
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) GetUser(c echo.Context) error {
	user, err := s.Store.UserByID(c.Request().Context(), claimsOf(c).Subject)
	if errors.Is(err, domain.ErrNotFound) {
		return echo.NewHTTPError(http.StatusUnauthorized, "user no longer exists")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, user)
}

func (s *Server) ListPosts(c echo.Context) error {
	filter, err := filterOf(c)
	if err != nil {
		return err
	}
	posts, err := s.Store.ListPosts(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, posts)
}

func (s *Server) GetPost(c echo.Context) error {
	post, err := s.Store.GetPost(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, post)
}

type postInput struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	CategoryID  *string `json:"category_id"`
}

func (s *Server) InsertPost(c echo.Context) error {
	var in postInput
	if err := c.Bind(&in); err != nil {
		return err
	}
	if in.CategoryID != nil && *in.CategoryID == "" {
		in.CategoryID = nil
	}
	post, err := s.Store.InsertPost(c.Request().Context(), domain.Post{
		Title:       in.Title,
		Description: in.Description,
		CategoryID:  in.CategoryID,
		UserID:      claimsOf(c).Subject,
	})
	if err != nil {
		return err
	}
	s.Broker.Publish(Change{Table: domain.TablePosts, Kind: domain.EventInsert, New: post})
	return c.JSON(http.StatusCreated, post)
}

func (s *Server) UpdatePost(c echo.Context) error {
	var patch domain.PostPatch
	if err := c.Bind(&patch); err != nil {
		return err
	}
	owner, err := ownerOf(c)
	if err != nil {
		return err
	}
	old, post, err := s.Store.UpdatePost(c.Request().Context(), c.Param("id"), owner, patch)
	if err != nil {
		return err
	}
	s.Broker.Publish(Change{Table: domain.TablePosts, Kind: domain.EventUpdate, New: post, Old: old})
	return c.JSON(http.StatusOK, post)
}

func (s *Server) DeletePost(c echo.Context) error {
	owner, err := ownerOf(c)
	if err != nil {
		return err
	}
	old, err := s.Store.DeletePost(c.Request().Context(), c.Param("id"), owner)
	if err != nil {
		return err
	}
	s.Broker.Publish(Change{Table: domain.TablePosts, Kind: domain.EventDelete, Old: old})
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) ListCategories(c echo.Context) error {
	filter, err := filterOf(c)
	if err != nil {
		return err
	}
	categories, err := s.Store.ListCategories(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, categories)
}

func (s *Server) GetCategory(c echo.Context) error {
	category, err := s.Store.GetCategory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, category)
}

type categoryInput struct {
	Name string `json:"name"`
}

func (s *Server) InsertCategory(c echo.Context) error {
	var in categoryInput
	if err := c.Bind(&in); err != nil {
		return err
	}
	category, err := s.Store.InsertCategory(c.Request().Context(), in.Name)
	if err != nil {
		return err
	}
	s.Broker.Publish(Change{Table: domain.TableCategories, Kind: domain.EventInsert, New: category})
	return c.JSON(http.StatusCreated, category)
}

func (s *Server) RenameCategory(c echo.Context) error {
	var in categoryInput
	if err := c.Bind(&in); err != nil {
		return err
	}
	old, category, err := s.Store.RenameCategory(c.Request().Context(), c.Param("id"), in.Name)
	if err != nil {
		return err
	}
	s.Broker.Publish(Change{Table: domain.TableCategories, Kind: domain.EventUpdate, New: category, Old: old})
	return c.JSON(http.StatusOK, category)
}

// DeleteCategory also publishes an update for every post that lost its category.
func (s *Server) DeleteCategory(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	filed, err := s.Store.ListPosts(ctx, domain.Eq("category_id", id))
	if err != nil {
		return err
	}
	old, err := s.Store.DeleteCategory(ctx, id)
	if err != nil {
		return err
	}
	s.Broker.Publish(Change{Table: domain.TableCategories, Kind: domain.EventDelete, Old: old})
	for _, before := range filed {
		after := before
		after.CategoryID = nil
		after.CategoryName = ""
		s.Broker.Publish(Change{Table: domain.TablePosts, Kind: domain.EventUpdate, New: after, Old: before})
	}
	return c.NoContent(http.StatusNoContent)
}
