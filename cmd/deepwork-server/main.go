package main

import (
	"fmt"
	"os"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/alecthomas/kingpin/v2"
)

var (
	app = kingpin.New("deepwork-server", "Plans projects into task graphs and runs them with AI agents")

	serveCmd  = app.Command("serve", "Start the deepwork server").Default()
	serveHost = serveCmd.Flag("host", "Address to bind to, overrides DEEPWORK_HTTP_HOST").String()
	servePort = serveCmd.Flag("port", "Port to bind to, overrides DEEPWORK_HTTP_PORT").String()

	vapidCmd = app.Command("vapid-keys", "Generate a VAPID key pair for web push")

	managerCmd      = app.Command("agent-manager", "Run tasks dispatched by a deepwork server on this machine")
	managerServer   = managerCmd.Flag("server", "Base URL of the deepwork server").Envar("DEEPWORK_SERVER_URL").Default("http://localhost:3100").String()
	managerID       = managerCmd.Flag("id", "Agent manager id, defaults to the hostname").Envar("DEEPWORK_AGENT_MANAGER_ID").String()
	managerAPIKey   = managerCmd.Flag("api-key", "Server API key").Envar("DEEPWORK_API_KEY").Required().String()
	managerWorkDir  = managerCmd.Flag("work-dir", "Directory tasks run in, overrides the server's").String()
	managerMaxTasks = managerCmd.Flag("max-tasks", "Runs accepted at once").Default("2").Int()
)

func main() {
	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case serveCmd.FullCommand():
		os.Exit(serve(*serveHost, *servePort))
	case managerCmd.FullCommand():
		os.Exit(runAgentManager(*managerServer, *managerID, *managerAPIKey, *managerWorkDir, *managerMaxTasks))
	case vapidCmd.FullCommand():
		if err := printVAPIDKeys(); err != nil {
			fmt.Fprintf(os.Stderr, "Error generating VAPID keys: %v\n", err)
			os.Exit(1)
		}
	}
}

func printVAPIDKeys() error {
	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return err
	}
	fmt.Printf("DEEPWORK_VAPID_PUBLIC_KEY=%s\n", publicKey)
	fmt.Printf("DEEPWORK_VAPID_PRIVATE_KEY=%s\n", privateKey)
	return nil
}
