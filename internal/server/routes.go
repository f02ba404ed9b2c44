package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/shelfgate/internal/authgate"
	"github.com/mohammad-safakhou/shelfgate/internal/orchestrator"
)

func (s *Server) routes() {
	e := s.echo
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if s.cfg.Telemetry.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	auth := &AuthHandler{s: s}
	auth.Register(e)

	books := s.resource(orchestrator.Book, "/", func(id string) string { return "/book-details/" + id })
	authors := s.resource(orchestrator.Author, "/authors", nil)
	subscribers := s.resource(orchestrator.Subscriber, "/subscribers", nil)

	browser := e.Group("", s.gate.Require(authgate.Browser))
	browser.GET("/", s.listPage(orchestrator.Book, "index"))
	browser.GET("/authors", s.listPage(orchestrator.Author, "authors"))
	browser.GET("/subscribers", s.listPage(orchestrator.Subscriber, "subscribers"))
	browser.GET("/book-details/:id", s.bookDetails)
	browser.GET("/update_book/:id", s.updateBookForm)
	browser.GET("/update_author/:id", s.updateAuthorForm)
	browser.GET("/search_books", s.searchPage(orchestrator.Book, "index"))
	browser.GET("/search_authors", s.searchPage(orchestrator.Author, "authors"))

	browser.GET("/add_book", s.addBookForm)
	browser.GET("/add_author", s.formPage("add_author"))
	browser.GET("/add_subscriber", s.formPage("add_subscriber"))

	books.mount(browser, authgate.Browser, "/add_book", "/book/:id")
	authors.mount(browser, authgate.Browser, "/add_author", "/author/:id")
	subscribers.mount(browser, authgate.Browser, "/add_subscriber", "/subscriber/:id")
	browser.DELETE("/book/:id", books.deleteJSON)
	browser.DELETE("/author/:id", authors.deleteJSON)
	browser.POST("/book/:id/borrow", s.lending("/book/borrow"))
	browser.POST("/book/:id/return", s.lending("/book/return"))

	api := e.Group("/api", s.gate.Require(authgate.API))
	books.mountAPI(api, "/books")
	authors.mountAPI(api, "/authors")
	subscribers.mountAPI(api, "/subscribers")
	api.GET("/books/:id", books.getJSON)
}
