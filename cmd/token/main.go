// Command token prints a bearer token for local testing and operations scripts.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"

	"campusattend/internal/auth"
	"campusattend/internal/config"
)

func main() {
	subject := flag.String("sub", "", "subject (user id)")
	role := flag.String("role", auth.RoleStudent, "admin, professor or student")
	ttl := flag.Duration("ttl", 0, "lifetime, defaults to ACCESS_TTL")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *ttl <= 0 {
		*ttl = cfg.AccessTTL
	}
	token, exp, err := auth.Issue(*subject, *role, cfg.JWTIssuer, cfg.JWTSigningKey, *ttl)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Println(token)
	log.Printf("expires %s", exp.Format(time.RFC3339))
}
