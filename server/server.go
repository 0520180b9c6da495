package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Daskott/vigil/docstore"
	"github.com/Daskott/vigil/server/auth/key"
	"github.com/Daskott/vigil/server/contacts"
	"github.com/Daskott/vigil/server/gstorage"
	"github.com/Daskott/vigil/server/logger"
	"github.com/Daskott/vigil/server/notifier"
	"github.com/Daskott/vigil/server/relations"
	"github.com/Daskott/vigil/server/twilio"
	"github.com/Daskott/vigil/server/watchdog"
	"github.com/Daskott/vigil/server/work"
	"github.com/Daskott/vigil/shared"
	"github.com/Daskott/vigil/utils"
	"github.com/go-playground/validator"
	"github.com/gorilla/mux"
	"github.com/spf13/viper"
)

var (
	logg     = logger.NewLogger()
	validate = validator.New()

	authKeyPair    *key.KeyPair
	appStore       docstore.Store
	registry       *userRegistry
	smsClient      *twilio.ClientWrapper
	watchdogRunner *watchdog.Watchdog
	backupStore    func() error
)

// Start wires the whole server together from the provided config & blocks
// until the process is signalled to stop
func Start(v *viper.Viper, devMode bool) {
	config := &shared.ServerConfig{}
	fatalOnError(v.Unmarshal(config))
	fatalOnError(validate.Struct(config))

	contacts.SetMinCheckInInterval(config.Vigil.MinCheckInInterval)

	var err error
	authKeyPair, err = key.NewKeyPairFromRSAPrivateKeyPem(config.Vigil.PrivateKeyPem)
	fatalOnError(err)

	dataDir := dataDirectory(devMode)
	appStore, err = newDocStore(config, dataDir)
	fatalOnError(err)

	relationService := relations.NewService(appStore, time.Now)

	var sender notifier.MessageSender = devSender{}
	if config.Twilio.AccountSid != "" {
		smsClient = twilio.NewClient(config.Twilio, config.Vigil.PublicURL)
		sender = smsClient
	} else {
		logg.Warn("No twilio credentials configured - SMS messages will only be logged")
	}
	smsNotifier := notifier.NewSMSNotifier(appStore, sender)

	watchdogRunner = watchdog.New(
		appStore,
		work.NewWorkerAdapter(appStore, config.Vigil.Cron.TimeZone),
		smsNotifier,
		nil,
	)
	setUpStoreBackups(config, dataDir)
	fatalOnError(watchdogRunner.Start(config.Vigil.SweepSchedule))

	appCtx, cancelApp := context.WithCancel(context.Background())
	registry = newUserRegistry(appCtx, appStore, relationService, smsNotifier, watchdogRunner)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%v", config.Vigil.Listener.Port),
		Handler: newRouter(),
	}
	go serve(server)

	// Block until signalled to stop, then clean up
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	<-signalChan

	cancelApp()
	cleanup(server)
}

func newRouter() *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware, initialContextMiddleware)

	router.HandleFunc("/health", healthCheck).Methods("GET")
	router.HandleFunc("/jwks", jwks).Methods("GET")
	router.HandleFunc("/users", createUser).Methods("POST")
	router.HandleFunc("/webhook/sms", smsWebhook).Methods("POST")

	protected := router.PathPrefix("/users/{uid}").Subrouter()
	protected.Use(protectedRouteMiddleware)

	protected.HandleFunc("", findUser).Methods("GET")
	protected.HandleFunc("", updateUser).Methods("PATCH")
	protected.HandleFunc("/check-in", checkIn).Methods("POST")
	protected.HandleFunc("/notification-lead-time", setNotificationLeadTime).Methods("PUT")
	protected.HandleFunc("/alert", setAlert).Methods("PUT")

	protected.HandleFunc("/contacts", listContacts).Methods("GET")
	protected.HandleFunc("/contacts", addContact).Methods("POST")
	protected.HandleFunc("/contacts/{cid}", updateContact).Methods("PATCH")
	protected.HandleFunc("/contacts/{cid}", deleteContact).Methods("DELETE")

	protected.HandleFunc("/contacts/{cid}/pings", sendPing).Methods("POST")
	protected.HandleFunc("/contacts/{cid}/pings", clearPing).Methods("DELETE")
	protected.HandleFunc("/contacts/{cid}/pings/response", respondToPing).Methods("POST")
	protected.HandleFunc("/pings/response", respondToAllPings).Methods("POST")

	return router
}

// newDocStore opens the configured storage backend. For sqlite with cloud
// backups on, a previously uploaded file is restored first on a fresh host.
func newDocStore(config *shared.ServerConfig, dataDir string) (docstore.Store, error) {
	switch config.Store.Backend {
	case "memory":
		return docstore.NewMemoryStore(), nil
	case "redis":
		return docstore.NewRedisStore(config.Store.Redis), nil
	case "sqlite":
		if backupAndSyncEnabled(config.Google.Storage) {
			restoreSqliteBackup(config, dataDir)
		}
		return docstore.NewSqliteStore(config.Store.Sqlite, dataDir)
	}

	return nil, fmt.Errorf("unsupported store backend %q", config.Store.Backend)
}

func setUpStoreBackups(config *shared.ServerConfig, dataDir string) {
	sqliteStore, ok := appStore.(*docstore.SqliteStore)
	if !ok || !backupAndSyncEnabled(config.Google.Storage) {
		return
	}

	gs, err := gstorage.NewGStorage(config.Google.ApplicationCredentials, config.Google.Storage)
	fatalOnError(err)

	backupStore = func() error { return gs.UploadFile(sqliteStore.FilePath()) }
	watchdogRunner.EnableStoreBackup(config.Google.Storage.StoreBackupSchedule, backupStore)
}

func restoreSqliteBackup(config *shared.ServerConfig, dataDir string) {
	filePath, err := docstore.SqliteFilePath(config.Store.Sqlite, dataDir)
	fatalOnError(err)

	if utils.FileExist(filePath) {
		return
	}

	gs, err := gstorage.NewGStorage(config.Google.ApplicationCredentials, config.Google.Storage)
	fatalOnError(err)

	err = gs.DownloadFile(docstore.DB_NAME, filePath)
	if err == gstorage.ErrObjectNotExist {
		logg.Infof("no store backup found in bucket, starting fresh")
		return
	}
	fatalOnError(err)
}

func backupAndSyncEnabled(config shared.StorageConfig) bool {
	enabled, ok := config.EnableStoreBackupAndSync.(bool)
	return ok && enabled
}

// devSender stands in for twilio when no credentials are configured
type devSender struct{}

func (devSender) SendMessage(to, msg string) error {
	logg.Infof("sms to %v:\n%v", to, msg)
	return nil
}
