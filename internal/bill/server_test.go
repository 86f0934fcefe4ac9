package bill

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/bill-extractor/internal/fraud"
)

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		scanner     *mockScanner
		fetcher     *mockFetcher
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		scanner = newMockScanner()
		fetcher = &mockFetcher{data: pngBytes(), contentType: "image/png"}
		auth = BasicAuth{}
	})

	// Each test makes exactly one request, so the server gets one handler
	JustBeforeEach(func() {
		processor := &mockProcessor{report: fraud.NewReport(true, false, false)}
		idGen := &mockIDGenerator{id: "bill-1"}
		timeSrc := &mockTimeSource{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
		service := NewServiceWithDeps(db, scanner, storage, processor, fetcher, idGen, timeSrc)
		server := NewServerWithMux(service, auth, http.NewServeMux())

		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP)
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	do := func(method, path string, body io.Reader, contentType string) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	decode := func(resp *http.Response, v any) {
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	upload := func(field, filename string, data []byte) (*bytes.Buffer, string) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		part, err := w.CreateFormFile(field, filename)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Close()).To(Succeed())
		return &buf, w.FormDataContentType()
	}

	Describe("POST /extract-bill-data", func() {
		extract := func(body string) *http.Response {
			return do(http.MethodPost, "/extract-bill-data", strings.NewReader(body), "application/json")
		}

		When("the document is a bill image", func() {
			It("returns the response envelope", func() {
				resp := extract(`{"document": "https://example.com/bill.png"}`)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				var body struct {
					IsSuccess  bool `json:"is_success"`
					TokenUsage struct {
						TotalTokens  int `json:"total_tokens"`
						InputTokens  int `json:"input_tokens"`
						OutputTokens int `json:"output_tokens"`
					} `json:"token_usage"`
					Data struct {
						Pages []struct {
							PageNo   string `json:"page_no"`
							PageType string `json:"page_type"`
							Items    []struct {
								Name   string  `json:"item_name"`
								Amount float64 `json:"item_amount"`
							} `json:"bill_items"`
						} `json:"pagewise_line_items"`
						TotalItemCount int `json:"total_item_count"`
					} `json:"data"`
				}
				decode(resp, &body)

				Expect(body.IsSuccess).To(BeTrue())
				Expect(body.TokenUsage.TotalTokens).To(Equal(150))
				Expect(body.TokenUsage.InputTokens).To(Equal(100))
				Expect(body.TokenUsage.OutputTokens).To(Equal(50))
				Expect(body.Data.TotalItemCount).To(Equal(2))
				Expect(body.Data.Pages).To(HaveLen(1))
				Expect(body.Data.Pages[0].PageType).To(Equal("Pharmacy"))
				Expect(body.Data.Pages[0].Items[0].Amount).To(Equal(25.0))
			})

			It("fetches the referenced URL", func() {
				extract(`{"document": "https://example.com/bill.png"}`)
				Expect(fetcher.gotURL).To(Equal("https://example.com/bill.png"))
			})
		})

		When("the document isn't a supported format", func() {
			BeforeEach(func() {
				fetcher.data = []byte("<html>not a bill</html>")
				fetcher.contentType = "text/html"
			})

			It("returns 422 with a detail message", func() {
				resp := extract(`{"document": "https://example.com/page.html"}`)
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
				var body map[string]string
				decode(resp, &body)
				Expect(body["detail"]).To(ContainSubstring("unsupported document format"))
			})
		})

		When("the download fails", func() {
			BeforeEach(func() {
				fetcher.err = errors.New("server returned status 500")
			})

			It("returns 500 with a detail message", func() {
				resp := extract(`{"document": "https://example.com/bill.png"}`)
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				var body map[string]string
				decode(resp, &body)
				Expect(body["detail"]).To(ContainSubstring("status 500"))
			})
		})

		When("the scanner fails", func() {
			BeforeEach(func() {
				scanner.scanErr = errors.New("quota exceeded")
			})

			It("still succeeds with an empty record", func() {
				resp := extract(`{"document": "https://example.com/bill.png"}`)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var body map[string]any
				decode(resp, &body)
				Expect(body["data"]).To(Equal(map[string]any{
					"pagewise_line_items": []any{},
					"total_item_count":    0.0,
				}))
			})
		})

		When("the body is not JSON", func() {
			It("returns 400", func() {
				resp := extract(`document=x`)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the document is missing", func() {
			It("returns 400", func() {
				resp := extract(`{}`)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("POST /api/bills", func() {
		When("a bill image is uploaded", func() {
			It("returns the created extraction", func() {
				body, contentType := upload("file", "bill.png", pngBytes())
				resp := do(http.MethodPost, "/api/bills", body, contentType)
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))

				var extraction Extraction
				decode(resp, &extraction)
				Expect(extraction.ID).To(Equal("bill-1"))
				Expect(extraction.ContentType).To(Equal("image/png"))
				Expect(extraction.Fraud).To(HaveLen(1))
				Expect(extraction.Fraud[0].RiskLevel).To(Equal(fraud.RiskMedium))
				Expect(extraction.Data.TotalItemCount).To(Equal(2))
			})
		})

		When("the upload can't be decoded", func() {
			It("returns 422", func() {
				body, contentType := upload("file", "notes.txt", []byte("hello"))
				resp := do(http.MethodPost, "/api/bills", body, contentType)
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			})
		})

		When("the file field is missing", func() {
			It("returns 400", func() {
				body, contentType := upload("other", "bill.png", pngBytes())
				resp := do(http.MethodPost, "/api/bills", body, contentType)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the body isn't multipart", func() {
			It("returns 400", func() {
				resp := do(http.MethodPost, "/api/bills", strings.NewReader("{}"), "application/json")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("GET /api/bills", func() {
		When("extractions exist", func() {
			BeforeEach(func() {
				db.extractions["a"] = &Extraction{ID: "a", CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
				db.extractions["b"] = &Extraction{ID: "b", CreatedAt: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)}
			})

			It("returns them newest first", func() {
				resp := do(http.MethodGet, "/api/bills", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
				var extractions []*Extraction
				decode(resp, &extractions)
				Expect(extractions).To(HaveLen(2))
				Expect(extractions[0].ID).To(Equal("b"))
			})
		})

		When("nothing has been extracted", func() {
			It("returns an empty array", func() {
				resp := do(http.MethodGet, "/api/bills", nil, "")
				raw, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(strings.TrimSpace(string(raw))).To(Equal("[]"))
			})
		})

		When("the database fails", func() {
			BeforeEach(func() {
				db.listErr = errors.New("boom")
			})

			It("returns 500", func() {
				resp := do(http.MethodGet, "/api/bills", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			})
		})
	})

	Describe("GET /api/bills/{id}", func() {
		BeforeEach(func() {
			db.extractions["abc"] = &Extraction{ID: "abc", Filename: "abc_bill.png"}
		})

		It("returns the extraction", func() {
			resp := do(http.MethodGet, "/api/bills/abc", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var extraction Extraction
			decode(resp, &extraction)
			Expect(extraction.ID).To(Equal("abc"))
		})

		It("returns 404 for an unknown ID", func() {
			resp := do(http.MethodGet, "/api/bills/missing", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /api/bills/{id}/file", func() {
		BeforeEach(func() {
			db.extractions["abc"] = &Extraction{ID: "abc", Filename: "abc_bill.pdf", ContentType: "application/pdf"}
			storage.files["abc_bill.pdf"] = []byte("%PDF-1.4")
		})

		It("returns the source document", func() {
			resp := do(http.MethodGet, "/api/bills/abc/file", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/pdf"))
			raw, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(raw)).To(Equal("%PDF-1.4"))
		})

		It("returns 404 for an unknown ID", func() {
			resp := do(http.MethodGet, "/api/bills/missing/file", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("DELETE /api/bills/{id}", func() {
		BeforeEach(func() {
			db.extractions["abc"] = &Extraction{ID: "abc", Filename: "abc_bill.png"}
			storage.files["abc_bill.png"] = []byte("png")
		})

		It("deletes the extraction and its document", func() {
			resp := do(http.MethodDelete, "/api/bills/abc", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(db.extractions).To(BeEmpty())
			Expect(storage.files).To(BeEmpty())
		})

		It("returns 500 for an unknown ID", func() {
			resp := do(http.MethodDelete, "/api/bills/missing", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("CORS", func() {
		It("answers preflight requests", func() {
			resp := do(http.MethodOptions, "/api/bills", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("DELETE"))
		})

		It("sets headers on normal responses", func() {
			resp := do(http.MethodGet, "/health", nil, "")
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "s3cret"}
		})

		It("rejects requests without credentials", func() {
			resp := do(http.MethodGet, "/api/bills", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("rejects the wrong password", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/bills", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("admin", "nope")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("accepts the right credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/bills", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("admin", "s3cret")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("leaves the health check open", func() {
			resp := do(http.MethodGet, "/health", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("Start", func() {
		It("returns once the context is cancelled", func() {
			server := NewServer(NewService(db, scanner, storage, &mockProcessor{}, fetcher), BasicAuth{})
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- server.Start(ctx, "127.0.0.1:0") }()
			time.Sleep(50 * time.Millisecond)
			cancel()
			Eventually(done, 5*time.Second).Should(Receive(BeNil()))
		})
	})
})
