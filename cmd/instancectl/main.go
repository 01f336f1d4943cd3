package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetforge/backend/internal/app"
	"github.com/fleetforge/backend/internal/cache"
	"github.com/fleetforge/backend/internal/config"
	"github.com/fleetforge/backend/internal/dns"
	"github.com/fleetforge/backend/internal/naming"
	"github.com/fleetforge/backend/internal/provisioner"
	"github.com/fleetforge/backend/internal/sshutil"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "keygen" {
		keygen(args)
		return
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	providerName := fs.String("provider", "aws", "Provider name (aws, gcp, mock)")
	region := fs.String("region", "", "Region (required)")
	zone := fs.String("zone", "", "Zone")
	name := fs.String("name", "", "Hashed instance name, or bucket/registry name")
	id := fs.String("id", "", "Remote server id (power)")
	action := fs.String("action", "", "poweron, poweroff or reboot (power)")
	owner := fs.String("owner", "", "Owner email (bucket, registry)")
	fs.Parse(args)

	if *region == "" || (*name == "" && *id == "") {
		fmt.Println("Error: -region and -name (or -id) are required")
		fs.PrintDefaults()
		os.Exit(1)
	}

	d, closeFn := driver(*providerName)
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	switch cmd {
	case "get":
		server, err := d.GetVirtualMachine(ctx, *region, *zone, *name)
		exitOn(err)
		if server == nil {
			fmt.Println("No machine found")
			os.Exit(1)
		}
		printJSON(server)
		if server.PublicIP != "" {
			fmt.Printf("\nSSH: %s\n", sshutil.FormatSSHCommand("ubuntu", server.PublicIP, ""))
		}

	case "state":
		server, err := d.GetVirtualMachine(ctx, *region, *zone, *name)
		exitOn(err)
		if server == nil {
			fmt.Println(provisioner.StateDeleted)
			return
		}
		fmt.Println(d.GetServerState(server))

	case "power":
		if *id == "" || *action == "" {
			fmt.Println("Error: -id and -action are required")
			os.Exit(1)
		}
		exitOn(d.UpdateVirtualMachineStatus(ctx, *region, *zone, *id, provisioner.Action(*action)))
		fmt.Printf("%s sent to %s\n", *action, *id)

	case "destroy":
		fmt.Printf("Destroying %s...\n", *name)
		exitOn(d.DestroyInstance(ctx, provisioner.DestroyRequest{
			Region:      *region,
			Zone:        *zone,
			StackName:   *name,
			ProjectName: naming.StackProjectName(*name),
		}))
		fmt.Println("Instance destroyed")

	case "bucket-create", "registry-create":
		req := provisioner.BucketRequest{Name: *name, Region: *region, Owner: *owner}
		var creds *provisioner.StorageCredentials
		var err error
		if cmd == "bucket-create" {
			creds, err = d.CreateBucket(ctx, req)
		} else {
			creds, err = d.CreateRegistry(ctx, req)
		}
		exitOn(err)
		printJSON(creds)

	case "bucket-delete", "registry-delete":
		req := provisioner.BucketRequest{Name: *name, Region: *region, Owner: *owner}
		if cmd == "bucket-delete" {
			exitOn(d.DeleteBucket(ctx, req))
		} else {
			exitOn(d.DeleteRegistry(ctx, req))
		}
		fmt.Println("Deleted")

	default:
		printUsage()
		os.Exit(1)
	}
}

// driver builds the named provider from the same configuration the server reads.
func driver(name string) (provisioner.Driver, func()) {
	cfg, err := config.Load()
	exitOn(err)
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	catalog, err := app.LoadCatalog(cfg, logger)
	exitOn(err)
	c, err := cache.Open("")
	exitOn(err)

	var records dns.Records
	if cfg.CloudflareAPIToken != "" {
		records = dns.NewCloudflareClient(dns.CloudflareConfig{APIToken: cfg.CloudflareAPIToken}, logger)
	}
	zones := dns.NewRegistry(catalog, cfg.DNSZones, records)

	d, ok := app.BuildDrivers(cfg, catalog, zones, c, logger).Get(name)
	if !ok {
		c.Close()
		fmt.Printf("Error: provider %s is not configured\n", name)
		os.Exit(1)
	}
	return d, func() { c.Close() }
}

func keygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	comment := fs.String("comment", "fleetforge-operator", "Key comment")
	out := fs.String("out", "", "Write the private key to this path and the public key to <path>.pub")
	fs.Parse(args)

	kp, err := sshutil.GenerateKeyPair(*comment)
	exitOn(err)

	if *out == "" {
		fmt.Print(kp.PrivateKey)
		fmt.Print(kp.PublicKey)
		return
	}
	exitOn(os.WriteFile(*out, []byte(kp.PrivateKey), 0o600))
	exitOn(os.WriteFile(*out+".pub", []byte(kp.PublicKey), 0o644))
	fmt.Printf("Wrote %s and %s.pub\n", *out, *out)
	fmt.Println("Set OPERATOR_SSH_KEY to the content of the .pub file")
}

func exitOn(err error) {
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func printUsage() {
	fmt.Println(`instancectl - FleetForge provider CLI

Talks to a provider driver directly, bypassing the database. Useful to inspect or clean
up machines and stacks the API lost track of.

Usage:
  instancectl <command> [flags]

Commands:
  get              Show a machine by hashed name
  state            Print the normalized state of a machine
  power            Send poweron, poweroff or reboot to a server id
  destroy          Destroy the stack of a hashed name
  bucket-create    Create a storage bucket with scoped credentials
  bucket-delete    Delete a storage bucket
  registry-create  Create a container registry with scoped credentials
  registry-delete  Delete a container registry
  keygen           Generate an operator SSH key pair

Configuration is read from the environment (.env supported), as for the server.

Examples:
  instancectl get -provider=aws -region=eu-west-1 -zone=eu-west-1a -name=demo-1a2b3c4d
  instancectl power -provider=gcp -region=europe-west1 -zone=b -id=123 -action=reboot
  instancectl destroy -provider=aws -region=eu-west-1 -name=demo-1a2b3c4d
  instancectl keygen -out=./operator`)
}
