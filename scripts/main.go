package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/petermetz/killbill/scripts/internal"
)

// Command represents a script that can be run
type Command struct {
	Name        string
	Description string
	Run         func() error
}

var commands = []Command{
	{
		Name:        "seed-account",
		Description: "Seed a billing account with a monthly subscription into Postgres",
		Run:         internal.SeedAccount,
	},
	{
		Name:        "trigger-run",
		Description: "Publish an invoice trigger for an account on the trigger topic",
		Run:         internal.PublishInvoiceTrigger,
	},
	{
		Name:        "test-kafka",
		Description: "Check the configured Kafka brokers are reachable",
		Run:         internal.TestKafkaConnection,
	},
}

func main() {
	// Define command line flags
	var (
		listCommands bool
		cmdName      string
		accountID    string
		tenantID     string
		currency     string
		amount       string
		months       string
		date         string
	)

	flag.BoolVar(&listCommands, "list", false, "List all available commands")
	flag.StringVar(&cmdName, "cmd", "", "Command to run")
	flag.StringVar(&accountID, "account-id", "", "Account ID for operations")
	flag.StringVar(&tenantID, "tenant-id", "", "Tenant ID for operations")
	flag.StringVar(&currency, "currency", "", "Account currency when seeding")
	flag.StringVar(&amount, "amount", "", "Monthly amount when seeding")
	flag.StringVar(&months, "months", "", "Number of billed months when seeding")
	flag.StringVar(&date, "date", "", "Effective date of the run (YYYY-MM-DD)")

	flag.Parse()

	if listCommands {
		fmt.Println("Available commands:")
		for _, cmd := range commands {
			fmt.Printf("  %-20s %s\n", cmd.Name, cmd.Description)
		}
		return
	}

	if cmdName == "" {
		log.Fatal("Please specify a command to run using -cmd flag. Use -list to see available commands.")
	}

	// Set command-specific environment variables
	setEnv := func(key, value string) {
		if value != "" {
			os.Setenv(key, value)
		}
	}
	setEnv("ACCOUNT_ID", accountID)
	setEnv("TENANT_ID", tenantID)
	setEnv("CURRENCY", currency)
	setEnv("AMOUNT", amount)
	setEnv("MONTHS", months)
	setEnv("EFFECTIVE_DATE", date)

	for _, cmd := range commands {
		if cmd.Name == cmdName {
			log.Printf("Running command: %s", cmd.Name)
			if err := cmd.Run(); err != nil {
				log.Fatalf("Command %s failed: %v", cmd.Name, err)
			}
			log.Printf("Command %s completed successfully", cmd.Name)
			return
		}
	}

	log.Fatalf("Unknown command: %s. Use -list to see available commands.", cmdName)
}
