package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/growthflow/contactd/config"
	"github.com/growthflow/contactd/greylist"
	"github.com/growthflow/contactd/i/mailer"
	"github.com/growthflow/contactd/store"
	"github.com/growthflow/contactd/system"
)

var Version = "dev"

var info = "contactd marketing site backend with contact intake"
var logo = "" +
	"                 _               _      _\n" +
	"  ___ ___  _ __ | |_ __ _  ___ _| |_ __| |\n" +
	" / __/ _ \\| '_ \\| __/ _` |/ __|_   _/ _` |   " + info + "\n" +
	"| (_| (_) | | | | || (_| | (__  | || (_| |\n" +
	" \\___\\___/|_| |_|\\__\\__,_|\\___| |_| \\__,_|\n\n"

func main() {
	// defaults
	var (
		devmode     = false
		addr        = ""
		configpath  = "config.json"
		showVersion = false
	)

	// flags
	flag.StringVar(&addr, "addr", addr, "address to serve (overrides config and $PORT)")
	flag.BoolVar(&devmode, "dev", devmode, "development mode (insecure cookies)")
	flag.StringVar(&configpath, "conf", configpath, "path to config.json (optional)")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	doConfigDump := flag.Bool("dumpconfig", false, "dump config and exit")
	flag.Parse()

	fmt.Print(logo)
	fmt.Println("contactd", Version)
	if showVersion {
		os.Exit(0)
	}

	// .env before anything reads the environment
	if err := godotenv.Load(); err == nil {
		log.Println("loaded .env")
	}

	conf, err := config.Load(configpath)
	if err != nil {
		log.Fatalln("boot error:", err)
	}
	conf.Meta.Version = "contactd " + Version

	// flag overrides
	if devmode {
		conf.Meta.DevelopmentMode = true
	}
	if addr != "" {
		conf.Meta.ListenAddr = addr
	}
	if conf.Meta.DevelopmentMode {
		log.SetLevel(log.DebugLevel)
		log.Println("DEV MODE")
	}

	if *doConfigDump {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent(" ", " ")
		if err := enc.Encode(conf); err != nil {
			log.Fatalln(err)
		}
		return
	}

	// submission store
	st, err := store.Open(conf.Sec.ContactsDB)
	if err != nil {
		log.Fatalln("boot error:", err)
	}

	// mail relay, best-effort from here on
	m, err := mailer.New(mailer.Config{
		Host:        conf.Mail.SMTPHost,
		Port:        conf.Mail.SMTPPort,
		User:        conf.Mail.User,
		Pass:        conf.Mail.Pass,
		Operator:    conf.Mail.Operator,
		CalendlyURL: conf.Mail.CalendlyURL,
		SiteName:    conf.Meta.SiteName,
	})
	if err != nil {
		log.Fatalln("boot error:", err)
	}

	s, err := system.New(conf, st, m)
	if err != nil {
		log.Fatalln("boot error:", err)
	}
	if err := s.InitDB(); err != nil {
		log.Fatalln("boot error:", err)
	}

	// setup greylist and general request cap
	var refreshRate time.Duration // none, no auto refresh
	temporaryBlacklistTime := time.Hour * 24
	if conf.Meta.DevelopmentMode {
		refreshRate = time.Second * 10
		temporaryBlacklistTime = time.Minute
	}
	glist := greylist.New(conf.Sec.Whitelist, conf.Sec.Blacklist, refreshRate)
	glist.SetTemporaryBlacklistTime(temporaryBlacklistTime)
	glist.SetRateLimit(conf.Limits.Requests, 15*time.Minute,
		"Too many requests from this IP, please try again later.")
	s.SetGreylist(glist)

	router := s.NewRouter()

	// friendly links
	go func() {
		<-time.After(time.Second)
		log.Println("serving HTTP:", conf.Meta.ListenAddr)
		log.Println("Email configured for:", conf.Mail.User)
		log.Println("Database:", conf.Sec.ContactsDB)
		log.Println("View in browser:", conf.Meta.SiteURL)
	}()

	// Serve or die!
	if err := s.Run(glist.Protect(s.HitCounter(router))); err != nil {
		log.Println(err)
	}
}
