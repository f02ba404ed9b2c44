package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/shelfgate/internal/authgate"
	"github.com/mohammad-safakhou/shelfgate/internal/orchestrator"
	"github.com/mohammad-safakhou/shelfgate/internal/upstream"
)

func (s *Server) listPage(kind orchestrator.Kind, page string) echo.HandlerFunc {
	return func(c echo.Context) error {
		items, err := s.up.ListEntities(c.Request().Context(), kind.CollectionPath)
		if err != nil {
			return s.fail(c, authgate.Browser, err)
		}
		return c.Render(http.StatusOK, page, PageData{Title: kind.Plural, Items: items})
	}
}

func (s *Server) searchPage(kind orchestrator.Kind, page string) echo.HandlerFunc {
	return func(c echo.Context) error {
		query := c.QueryParam("query")
		items, err := s.up.Search(c.Request().Context(), kind.SearchPath, query)
		if err != nil {
			return s.fail(c, authgate.Browser, err)
		}
		return c.Render(http.StatusOK, page, PageData{Title: kind.Plural, Query: query, Items: items})
	}
}

func (s *Server) formPage(page string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.Render(http.StatusOK, page, PageData{Title: page})
	}
}

// addBookForm offers the current authors as the choices of the author input.
func (s *Server) addBookForm(c echo.Context) error {
	authors, err := s.up.ListEntities(c.Request().Context(), orchestrator.Author.CollectionPath)
	if err != nil {
		return s.fail(c, authgate.Browser, err)
	}
	return c.Render(http.StatusOK, "add_book", PageData{Title: "add_book", Items: authors})
}

func (s *Server) updateAuthorForm(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return s.fail(c, authgate.Browser, err)
	}
	author, err := s.up.GetEntity(c.Request().Context(), orchestrator.Author.Item(id))
	if err != nil {
		return s.fail(c, authgate.Browser, err)
	}
	return c.Render(http.StatusOK, "update_author_form", PageData{Title: "update author", Item: author})
}

func (s *Server) bookDetails(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return s.fail(c, authgate.Browser, err)
	}
	book, err := s.up.GetEntity(c.Request().Context(), orchestrator.Book.Item(id))
	if err != nil {
		return s.fail(c, authgate.Browser, err)
	}
	return c.Render(http.StatusOK, "book_details", PageData{Title: "book", Item: book})
}

// updateBookForm loads the book and the author list concurrently.
func (s *Server) updateBookForm(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return s.fail(c, authgate.Browser, err)
	}
	var (
		book    upstream.Entity
		authors []upstream.Entity
	)
	g, ctx := errgroup.WithContext(c.Request().Context())
	g.Go(func() error {
		var err error
		book, err = s.up.GetEntity(ctx, orchestrator.Book.Item(id))
		return err
	})
	g.Go(func() error {
		var err error
		authors, err = s.up.ListEntities(ctx, orchestrator.Author.CollectionPath)
		return err
	})
	if err := g.Wait(); err != nil {
		return s.fail(c, authgate.Browser, err)
	}
	return c.Render(http.StatusOK, "update_book_form", PageData{Title: "update book", Item: book, Items: authors})
}
