package bill

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zombor/billsplit/internal/extract"
	"github.com/zombor/billsplit/internal/scanning"
)

// ghttpAny routes every path to the server under test
var ghttpAny = regexp.MustCompile(".*")

func doRequest(method, url, contentType string, body io.Reader) *http.Response {
	req, err := http.NewRequest(method, url, body)
	Expect(err).NotTo(HaveOccurred())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	return resp
}

func doJSON(method, url string, v any) *http.Response {
	if v == nil {
		return doRequest(method, url, "", nil)
	}
	data, err := json.Marshal(v)
	Expect(err).NotTo(HaveOccurred())
	return doRequest(method, url, "application/json", bytes.NewReader(data))
}

func decodeBody(resp *http.Response, v any) {
	defer resp.Body.Close()
	Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
}

func uploadBody(filename string, data []byte) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	Expect(err).NotTo(HaveOccurred())
	_, err = part.Write(data)
	Expect(err).NotTo(HaveOccurred())
	Expect(writer.Close()).To(Succeed())
	return body, writer.FormDataContentType()
}

var _ = Describe("Server", func() {
	var (
		recognizer  *mockRecognizer
		registry    *prometheus.Registry
		service     *Service
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		server = NewServerWithMux(service, auth, http.NewServeMux())
		server.UseGatherer(registry)
		ghttpServer = ghttp.NewServer()
		ghttpServer.RouteToHandler(http.MethodGet, ghttpAny, server.ServeHTTP)
		ghttpServer.RouteToHandler(http.MethodPost, ghttpAny, server.ServeHTTP)
		ghttpServer.RouteToHandler(http.MethodPut, ghttpAny, server.ServeHTTP)
		ghttpServer.RouteToHandler(http.MethodDelete, ghttpAny, server.ServeHTTP)
		ghttpServer.RouteToHandler(http.MethodOptions, ghttpAny, server.ServeHTTP)
	}

	url := func(format string, args ...any) string {
		return ghttpServer.URL() + fmt.Sprintf(format, args...)
	}

	createSplitting := func(people ...string) string {
		session := service.CreateSession()
		for _, p := range people {
			Expect(session.AddParticipant(p)).To(Succeed())
		}
		Expect(session.CompleteSetup()).To(Succeed())
		return session.ID
	}

	BeforeEach(func() {
		recognizer = newMockRecognizer()
		registry = prometheus.NewRegistry()
		service = NewServiceWithDeps(recognizer, extract.New(nil), nil, NewMetrics(registry), &mockIDGenerator{}, &mockTimeSource{})
		auth = BasicAuth{}
		ghttpServer = nil
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	Describe("sessions", func() {
		It("creates a session in setup", func() {
			resp := doJSON(http.MethodPost, url("/api/sessions"), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
			var view View
			decodeBody(resp, &view)
			Expect(view.ID).To(Equal("session-1"))
			Expect(view.Participants).To(BeEmpty())
		})

		It("returns a session", func() {
			id := service.CreateSession().ID
			resp := doJSON(http.MethodGet, url("/api/sessions/%s", id), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var body map[string]any
			decodeBody(resp, &body)
			Expect(body).To(HaveKeyWithValue("phase", "setup"))
		})

		It("returns 404 for unknown sessions", func() {
			resp := doJSON(http.MethodGet, url("/api/sessions/missing"), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			var body map[string]string
			decodeBody(resp, &body)
			Expect(body["error"]).To(ContainSubstring("session not found"))
		})

		It("deletes a session", func() {
			id := service.CreateSession().ID
			resp := doJSON(http.MethodDelete, url("/api/sessions/%s", id), nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(service.SessionCount()).To(BeZero())
		})
	})

	Describe("setup", func() {
		var id string

		BeforeEach(func() {
			id = service.CreateSession().ID
		})

		It("adds participants", func() {
			resp := doJSON(http.MethodPost, url("/api/sessions/%s/participants", id), map[string]string{"name": "Ana"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var view View
			decodeBody(resp, &view)
			Expect(view.Participants).To(Equal([]string{"Ana"}))
		})

		It("rejects blank names with 422 and a readable message", func() {
			resp := doJSON(http.MethodPost, url("/api/sessions/%s/participants", id), map[string]string{"name": " "})
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			var body map[string]string
			decodeBody(resp, &body)
			Expect(body["error"]).To(Equal("Participant name cannot be empty"))
		})

		It("rejects malformed bodies", func() {
			resp := doRequest(http.MethodPost, url("/api/sessions/%s/participants", id), "application/json", strings.NewReader("{"))
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("removes participants by index", func() {
			doJSON(http.MethodPost, url("/api/sessions/%s/participants", id), map[string]string{"name": "Ana"}).Body.Close()
			resp := doJSON(http.MethodDelete, url("/api/sessions/%s/participants/0", id), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var view View
			decodeBody(resp, &view)
			Expect(view.Participants).To(BeEmpty())
		})

		It("returns 404 for a bad participant index", func() {
			resp := doJSON(http.MethodDelete, url("/api/sessions/%s/participants/abc", id), nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("refuses to complete with one participant", func() {
			doJSON(http.MethodPost, url("/api/sessions/%s/participants", id), map[string]string{"name": "Ana"}).Body.Close()
			resp := doJSON(http.MethodPost, url("/api/sessions/%s/setup", id), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			var body map[string]string
			decodeBody(resp, &body)
			Expect(body["error"]).To(Equal("Please add at least 2 participants"))
		})

		It("completes with two participants", func() {
			doJSON(http.MethodPost, url("/api/sessions/%s/participants", id), map[string]string{"name": "Ana"}).Body.Close()
			doJSON(http.MethodPost, url("/api/sessions/%s/participants", id), map[string]string{"name": "Ben"}).Body.Close()
			resp := doJSON(http.MethodPost, url("/api/sessions/%s/setup", id), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var body map[string]any
			decodeBody(resp, &body)
			Expect(body).To(HaveKeyWithValue("phase", "splitting"))
		})

		It("returns 409 for item operations", func() {
			resp := doJSON(http.MethodGet, url("/api/sessions/%s/totals", id), nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})
	})

	Describe("receipt upload", func() {
		var id string

		BeforeEach(func() {
			id = createSplitting("Ana", "Ben")
		})

		It("replaces the items with the extracted ones", func() {
			body, contentType := uploadBody("receipt.png", []byte("fake image data"))
			resp := doRequest(http.MethodPost, url("/api/sessions/%s/receipt", id), contentType, body)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result uploadResponse
			decodeBody(resp, &result)
			Expect(result.ItemsFound).To(Equal(2))
			Expect(result.Session.Items[0].Name).To(Equal("Latte"))
			Expect(result.Session.Items[0].Price).To(Equal("5.25"))
			Expect(result.Session.GrandTotal).To(Equal("9.00"))
		})

		It("returns 502 when recognition fails", func() {
			recognizer.err = fmt.Errorf("%w: gemini down", scanning.ErrRecognitionFailed)
			body, contentType := uploadBody("receipt.png", []byte("fake image data"))
			resp := doRequest(http.MethodPost, url("/api/sessions/%s/receipt", id), contentType, body)
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			var result map[string]string
			decodeBody(resp, &result)
			Expect(result["error"]).To(ContainSubstring("add items manually"))
		})

		It("returns 502 when the engine fails with a plain error", func() {
			recognizer.err = errors.New("connection reset")
			body, contentType := uploadBody("receipt.png", []byte("fake image data"))
			resp := doRequest(http.MethodPost, url("/api/sessions/%s/receipt", id), contentType, body)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
		})

		It("returns 502 when no text is found", func() {
			recognizer.text = "   "
			body, contentType := uploadBody("receipt.png", []byte("fake image data"))
			resp := doRequest(http.MethodPost, url("/api/sessions/%s/receipt", id), contentType, body)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
		})

		It("returns 400 without a file", func() {
			body := &bytes.Buffer{}
			writer := multipart.NewWriter(body)
			Expect(writer.WriteField("note", "x")).To(Succeed())
			Expect(writer.Close()).To(Succeed())
			resp := doRequest(http.MethodPost, url("/api/sessions/%s/receipt", id), writer.FormDataContentType(), body)
			var result map[string]string
			decodeBody(resp, &result)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(result["error"]).To(ContainSubstring("No file was selected"))
		})
	})

	Describe("items", func() {
		var id string

		BeforeEach(func() {
			id = createSplitting("Ana", "Ben")
		})

		It("adds the manual placeholder for an empty body", func() {
			resp := doJSON(http.MethodPost, url("/api/sessions/%s/items", id), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var view View
			decodeBody(resp, &view)
			Expect(view.Items).To(HaveLen(1))
			Expect(view.Items[0].Name).To(Equal(ManualItemName))
			Expect(view.Items[0].Price).To(Equal("0.00"))
		})

		It("adds an item from a body", func() {
			resp := doJSON(http.MethodPost, url("/api/sessions/%s/items", id), map[string]string{"name": "Pizza", "price": "10.00"})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var view View
			decodeBody(resp, &view)
			Expect(view.Items[0].Name).To(Equal("Pizza"))
		})

		It("rejects a missing price with 400", func() {
			resp := doJSON(http.MethodPost, url("/api/sessions/%s/items", id), map[string]string{"name": "Pizza"})
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects a negative price with 400 and keeps the old value", func() {
			doJSON(http.MethodPost, url("/api/sessions/%s/items", id), map[string]string{"name": "Pizza", "price": "10.00"}).Body.Close()
			resp := doJSON(http.MethodPut, url("/api/sessions/%s/items/0", id), map[string]string{"name": "Pizza", "price": "-3.00"})
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

			items, err := mustSession(service, id).Items()
			Expect(err).NotTo(HaveOccurred())
			Expect(items[0].Price.String()).To(Equal("10"))
		})

		It("edits an item", func() {
			doJSON(http.MethodPost, url("/api/sessions/%s/items", id), nil).Body.Close()
			resp := doJSON(http.MethodPut, url("/api/sessions/%s/items/0", id), map[string]any{"name": "Nachos", "price": 12.5})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var view View
			decodeBody(resp, &view)
			Expect(view.Items[0].Name).To(Equal("Nachos"))
			Expect(view.Items[0].Price).To(Equal("12.50"))
		})

		It("returns 404 for a missing item", func() {
			resp := doJSON(http.MethodDelete, url("/api/sessions/%s/items/4", id), nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("toggles assignments and reports totals", func() {
			doJSON(http.MethodPost, url("/api/sessions/%s/items", id), map[string]string{"name": "Pizza", "price": "10.00"}).Body.Close()
			doJSON(http.MethodPost, url("/api/sessions/%s/items/0/toggle", id), map[string]string{"participant": "Ana"}).Body.Close()
			doJSON(http.MethodPost, url("/api/sessions/%s/items/0/toggle", id), map[string]string{"participant": "Ben"}).Body.Close()
			doJSON(http.MethodPost, url("/api/sessions/%s/items", id), map[string]string{"name": "Salad", "price": "4.00"}).Body.Close()

			resp := doJSON(http.MethodGet, url("/api/sessions/%s/totals", id), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var totals totalsResponse
			decodeBody(resp, &totals)
			Expect(totals.Totals).To(Equal([]TotalView{
				{Participant: "Ana", Total: "5.00"},
				{Participant: "Ben", Total: "5.00"},
			}))
			Expect(totals.GrandTotal).To(Equal("14.00"))
			Expect(totals.UnassignedTotal).To(Equal("4.00"))
		})

		It("removes an item", func() {
			doJSON(http.MethodPost, url("/api/sessions/%s/items", id), nil).Body.Close()
			resp := doJSON(http.MethodDelete, url("/api/sessions/%s/items/0", id), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var view View
			decodeBody(resp, &view)
			Expect(view.Items).To(BeEmpty())
		})
	})

	Describe("extract", func() {
		It("returns items from posted text", func() {
			resp := doRequest(http.MethodPost, url("/api/extract"), "text/plain", strings.NewReader(cafeReceipt))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var result extractResponse
			decodeBody(resp, &result)
			Expect(result.Items).To(HaveLen(2))
			Expect(result.Items[1].Price).To(Equal("3.75"))
			Expect(result.Lines).To(BeEmpty())
		})

		It("explains each line on request", func() {
			resp := doRequest(http.MethodPost, url("/api/extract?explain=true"), "text/plain", strings.NewReader(cafeReceipt))
			var result extractResponse
			decodeBody(resp, &result)
			Expect(result.Lines).To(HaveLen(5))
			Expect(result.Lines[3]).To(Equal(lineView{Line: "VISA 9.00", Kind: "excluded", Keyword: "visa"}))
		})

		It("returns an empty list for empty text", func() {
			resp := doRequest(http.MethodPost, url("/api/extract"), "text/plain", nil)
			defer resp.Body.Close()
			data, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(MatchJSON(`{"items": []}`))
		})
	})

	Describe("operations", func() {
		It("reports health", func() {
			resp := doJSON(http.MethodGet, url("/healthz"), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()
		})

		It("exposes metrics", func() {
			service.CreateSession()
			resp := doJSON(http.MethodGet, url("/metrics"), nil)
			defer resp.Body.Close()
			data, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(ContainSubstring("billsplit_sessions 1"))
		})
	})

	Describe("CORS", func() {
		It("answers preflight requests", func() {
			resp := doRequest(http.MethodOptions, url("/api/sessions"), "", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PUT"))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "ana", Password: "secret"}
			setupServer()
		})

		It("rejects requests without credentials", func() {
			resp := doJSON(http.MethodPost, url("/api/sessions"), nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("accepts the right credentials", func() {
			req, err := http.NewRequest(http.MethodPost, url("/api/sessions"), nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("ana:secret")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		})

		It("rejects the wrong password", func() {
			req, err := http.NewRequest(http.MethodPost, url("/api/sessions"), nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("ana", "nope")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("leaves health checks open", func() {
			resp := doJSON(http.MethodGet, url("/healthz"), nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	DescribeTable("status mapping",
		func(err error, status int) {
			Expect(statusFor(err)).To(Equal(status))
		},
		Entry("index", fmt.Errorf("x: %w", ErrIndexOutOfRange), http.StatusNotFound),
		Entry("amount", ErrInvalidAmount, http.StatusBadRequest),
		Entry("validation", validationError("nope"), http.StatusUnprocessableEntity),
		Entry("recognition", scanning.ErrRecognitionFailed, http.StatusBadGateway),
		Entry("busy", ErrBusy, http.StatusConflict),
		Entry("phase", ErrWrongPhase, http.StatusConflict),
		Entry("session", ErrSessionNotFound, http.StatusNotFound),
		Entry("other", io.ErrUnexpectedEOF, http.StatusInternalServerError),
	)
})

func mustSession(service *Service, id string) *Session {
	session, err := service.GetSession(id)
	Expect(err).NotTo(HaveOccurred())
	return session
}
