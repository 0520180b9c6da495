package server

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Daskott/vigil/docstore"
	"github.com/Daskott/vigil/server/auth"
	"github.com/Daskott/vigil/utils"
)

// ---------------------------------------------------------------------------------//
// Handler helper functions
// --------------------------------------------------------------------------------//

func writeResponse(rw http.ResponseWriter, payLoad ResponsePayload, statusCode int) {
	if statusCode >= http.StatusInternalServerError {
		logg.Error(payLoad.Errors)
	} else if statusCode >= http.StatusBadRequest {
		logg.Info(payLoad.Errors)
	}

	rw.WriteHeader(statusCode)
	json.NewEncoder(rw).Encode(payLoad)
}

// writeError maps a store/relation error kind to an http status
func writeError(rw http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch docstore.KindOf(err) {
	case docstore.ErrNotFound:
		status = http.StatusNotFound
	case docstore.ErrAlreadyExists:
		status = http.StatusConflict
	case docstore.ErrInvalidArgument:
		status = http.StatusBadRequest
	case docstore.ErrUnauthenticated:
		status = http.StatusUnauthorized
	case docstore.ErrPermissionDenied:
		status = http.StatusForbidden
	case docstore.ErrNetwork:
		status = http.StatusBadGateway
	}

	writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, status)
}

func writeErrMsgForSmsWebhook(rw http.ResponseWriter, err error) {
	logg.Error(err)
	writeSmsWebhookResponse(rw, "Sorry an application error has occurred.\nPlease try again later")
}

func writeSmsWebhookResponse(rw http.ResponseWriter, message string) {
	msgBytes, err := xml.Marshal(&TwilioSmsResponse{Message: message})
	if err != nil {
		logg.Errorf("writeSmsWebhookResponse: %v", err)
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "application/xml")
	rw.WriteHeader(http.StatusOK)
	rw.Write(msgBytes)
}

// ---------------------------------------------------------------------------------//
// Middleware helper functions
// --------------------------------------------------------------------------------//

func decodeAndVerifyAuthHeader(ctx context.Context, authHeaderValue string) DecodedJWT {
	authHeaderList := strings.Split(authHeaderValue, "Bearer ")
	if len(authHeaderList) < 2 {
		return DecodedJWT{ErrorMsg: "no token provided"}
	}

	tokenClaims, err := auth.DecodeJWT(authHeaderList[1], authKeyPair)
	if err != nil {
		return DecodedJWT{ErrorMsg: "invalid token provided"}
	}

	// validate that the user account still exists
	_, err = appStore.Get(ctx, docstore.UsersCollection, tokenClaims.Subject)
	if err != nil {
		return DecodedJWT{ErrorMsg: "invalid token provided"}
	}

	return DecodedJWT{Claims: tokenClaims}
}

// ---------------------------------------------------------------------------------//
// Server helper functions
// --------------------------------------------------------------------------------//

func serve(server *http.Server) {
	logg.Infof("Vigil server is listening on port%v", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Fatal(err)
	}
}

func cleanup(server *http.Server) {
	if watchdogRunner != nil {
		watchdogRunner.Stop()
	}

	if backupStore != nil {
		if err := backupStore(); err != nil {
			logg.Errorf("final store backup failed: %v", err)
		}
	}

	// Shutdown server gracefully
	ctxShutDown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxShutDown); err != nil {
		logg.Fatalf("Vigil server shutdown failed:%+s", err)
	}

	if err := appStore.Close(); err != nil {
		logg.Errorf("closing document store failed: %v", err)
	}

	logg.Infof("Vigil server stopped properly")
}

// dataDirectory retrieves the directory for vigil's local state, e.g. the
// sqlite file. Or logs an error message & exits if it's unable to.
func dataDirectory(devMode bool) string {
	// Use 'vigil' folder in home directory for prod
	dataFolderName := "vigil"
	rootDir, err := os.UserHomeDir()
	fatalOnError(err)

	// Use 'dev' folder in current directory for dev mode
	if devMode {
		dataFolderName = "dev"
		rootDir, err = os.Getwd()
		fatalOnError(err)
	}

	dataDir := filepath.Join(rootDir, dataFolderName)

	err = utils.CreateDirIfNotExist(dataDir)
	fatalOnError(err)

	return dataDir
}

func fatalOnError(err error) {
	if err != nil {
		logg.Fatal(err)
	}
}
