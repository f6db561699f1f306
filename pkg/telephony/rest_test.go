package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestRESTProviderPlaceCall(t *testing.T) {
	is := is.New(t)

	var gotPath, gotUser string
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, _, _ = r.BasicAuth()
		is.NoErr(r.ParseForm())
		gotForm = map[string]string{}
		for k := range r.PostForm {
			gotForm[k] = r.PostForm.Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid": "CA123", "status": "queued"}`))
	}))
	defer srv.Close()

	p, err := NewRESTProvider("AC0", "token", WithBaseURL(srv.URL))
	is.NoErr(err)

	call, err := p.PlaceCall(context.Background(), CallRequest{
		To:                "+15550001111",
		From:              "+15550002222",
		InstructionsURL:   "https://example.com/answer",
		StatusCallbackURL: "https://example.com/status",
		RingTimeout:       30 * time.Second,
		MachineDetection:  true,
	})
	is.NoErr(err)
	is.Equal(call.ID, "CA123")
	is.Equal(call.Status, StatusQueued)

	is.Equal(gotPath, "/Accounts/AC0/Calls.json")
	is.Equal(gotUser, "AC0")
	is.Equal(gotForm["To"], "+15550001111")
	is.Equal(gotForm["From"], "+15550002222")
	is.Equal(gotForm["Url"], "https://example.com/answer")
	is.Equal(gotForm["StatusCallback"], "https://example.com/status")
	is.Equal(gotForm["Timeout"], "30")
	is.Equal(gotForm["MachineDetection"], "Enable")
}

func TestRESTProviderRedirectAndEnd(t *testing.T) {
	is := is.New(t)

	var paths []string
	var forms []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		is.NoErr(r.ParseForm())
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		forms = append(forms, form)
		w.Write([]byte(`{"sid": "CA123", "status": "in-progress"}`))
	}))
	defer srv.Close()

	p, err := NewRESTProvider("AC0", "token", WithBaseURL(srv.URL))
	is.NoErr(err)

	ctx := context.Background()
	is.NoErr(p.RedirectCall(ctx, "CA123", "https://example.com/conference"))
	is.NoErr(p.EndCall(ctx, "CA123"))

	is.Equal(len(paths), 2)
	is.Equal(paths[0], "/Accounts/AC0/Calls/CA123.json")
	is.Equal(forms[0]["Url"], "https://example.com/conference")
	is.Equal(forms[1]["Status"], "completed")
}

func TestRESTProviderCallState(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.Equal(r.Method, http.MethodGet)
		w.Write([]byte(`{"sid": "CA123", "status": "no-answer"}`))
	}))
	defer srv.Close()

	p, err := NewRESTProvider("AC0", "token", WithBaseURL(srv.URL))
	is.NoErr(err)

	status, err := p.CallState(context.Background(), "CA123")
	is.NoErr(err)
	is.Equal(status, StatusNoAnswer)
	is.True(status.Terminal())
}

func TestRESTProviderAPIError(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code": 21211, "message": "Invalid 'To' phone number"}`))
	}))
	defer srv.Close()

	p, err := NewRESTProvider("AC0", "token", WithBaseURL(srv.URL))
	is.NoErr(err)

	_, err = p.PlaceCall(context.Background(), CallRequest{To: "bogus"})
	is.True(err != nil)
}

func TestNewRESTProviderValidation(t *testing.T) {
	is := is.New(t)

	_, err := NewRESTProvider("", "token")
	is.True(err != nil)
	_, err = NewRESTProvider("AC0", "")
	is.True(err != nil)
}
