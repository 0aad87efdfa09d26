package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mesikahq/dpi/internal/app"
	"github.com/mesikahq/dpi/internal/config"
	"github.com/mesikahq/dpi/internal/user"
)

// seedFile lists staff accounts to create.
type seedFile struct {
	Staff []user.StaffRegistration `yaml:"staff"`
}

func main() {
	configPath := flag.String("config", "", "Path to config file")
	seedPath := flag.String("seed", "", "YAML file listing staff accounts")
	lastName := flag.String("last-name", "", "Last name")
	firstName := flag.String("first-name", "", "First name")
	email := flag.String("email", "", "Email")
	password := flag.String("password", "", "Password")
	role := flag.String("role", "administrative", "Staff role")
	specialty := flag.String("specialty", "", "Specialty (physicians only)")
	flag.Parse()

	var regs []user.StaffRegistration
	if *seedPath != "" {
		data, err := os.ReadFile(*seedPath)
		if err != nil {
			log.Fatalf("Failed to read seed file: %v", err)
		}
		var seed seedFile
		if err := yaml.Unmarshal(data, &seed); err != nil {
			log.Fatalf("Failed to parse seed file: %v", err)
		}
		regs = seed.Staff
	} else {
		if *email == "" || *password == "" || *lastName == "" || *firstName == "" {
			log.Fatal("-last-name, -first-name, -email and -password are required unless -seed is given")
		}
		regs = []user.StaffRegistration{{
			LastName:  *lastName,
			FirstName: *firstName,
			Email:     *email,
			Password:  *password,
			Role:      *role,
			Specialty: *specialty,
		}}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Error loading .env file: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer a.Close(ctx)

	created := 0
	for _, reg := range regs {
		u, err := a.Users.Bootstrap(ctx, reg)
		if errors.Is(err, user.ErrEmailTaken) {
			logger.Info("Account already exists, skipping", zap.String("email", reg.Email))
			continue
		}
		if err != nil {
			logger.Fatal("Failed to create account", zap.String("email", reg.Email), zap.Error(err))
		}
		created++
		fmt.Printf("Created %s account %d for %s\n", u.Role, u.ID, u.Email)
	}
	fmt.Printf("%d of %d accounts created\n", created, len(regs))
}
