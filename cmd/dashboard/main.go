// Command dashboard is a terminal front end for the vehicle tracking API.
// It keeps a local view of the user's vehicles, refreshes it periodically and
// accepts edit commands on stdin.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/vehicle-tracking/internal/dashboard"
)

type consoleNotifier struct{}

func (consoleNotifier) Notify(action string, err error) {
	fmt.Fprintf(os.Stderr, "! %s failed: %v\n", action, err)
}

type consoleMap struct {
	out io.Writer
}

func (m consoleMap) SetMarkers(markers []dashboard.Marker) {
	log.WithField("markers", len(markers)).Debug("Map updated")
}

func (m consoleMap) Recenter(lat, lon float64) {
	fmt.Fprintf(m.out, "map centered on %.7f, %.7f\n", lat, lon)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printVehicles(w io.Writer, c *dashboard.Controller) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tFREQ\tDELTA\tIDLE\tLAST SEEN\tPOSITION")
	for _, vp := range c.Vehicles() {
		v := vp.Vehicle
		seen, pos := "-", "-"
		if p := vp.LastPosition; p != nil {
			seen = dashboard.FormatTime(p.LocationTime)
			pos = p.City
			if pos == "" {
				pos = fmt.Sprintf("%.5f, %.5f", p.Latitude, p.Longitude)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%ds\t%dm\t%dmin\t%s\t%s\n",
			v.ID, v.Name, v.Status, v.PositionCheckFreq, v.MinDistanceDelta, v.MaxIdleMinutes, seen, pos)
	}
	tw.Flush()
}

func printRoutes(w io.Writer, c *dashboard.Controller, id string) {
	routes, _ := c.Routes(id)
	if len(routes) == 0 {
		fmt.Fprintln(w, "no routes")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUTE\tSTART\tEND\tFROM\tTO\tDISTANCE")
	for _, r := range routes {
		end, to := "open", r.EndCoords
		if r.EndTime != nil {
			end = dashboard.FormatTime(*r.EndTime)
		}
		if r.EndCity != "" {
			to = r.EndCity
		}
		from := r.StartCoords
		if r.StartCity != "" {
			from = r.StartCity
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, dashboard.FormatTime(r.StartTime), end, from, to, dashboard.FormatDistance(r.TotalDistance))
	}
	tw.Flush()
}

// parseFields turns "key=value" arguments into form fields.
func parseFields(args []string) (map[string]string, error) {
	fields := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		fields[key] = value
	}
	return fields, nil
}

const help = `commands:
  list                      show vehicles
  refresh                   reload vehicles from the server
  routes <id>               show routes (cached after the first load)
  reload <id>               reload routes from the server
  set <id> key=value ...    update name, color, status, position_check_freq,
                            min_distance_delta, max_idle_minutes,
                            manual_route_start_enabled
  toggle <id>               switch between active and inactive
  delete <id>               delete a vehicle
  show <id>                 center the map on a vehicle
  logout | quit`

// execute runs one command line and reports whether the loop should stop.
func execute(ctx context.Context, out io.Writer, c *dashboard.Controller, line string) bool {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false
	}
	cmd, args := args[0], args[1:]
	needID := func() (string, bool) {
		if len(args) == 0 {
			fmt.Fprintf(out, "usage: %s <id>\n", cmd)
			return "", false
		}
		return args[0], true
	}

	switch cmd {
	case "list":
		printVehicles(out, c)
	case "refresh":
		if c.Refresh(ctx) == nil {
			printVehicles(out, c)
		}
	case "routes", "reload":
		id, ok := needID()
		if !ok {
			return false
		}
		var err error
		if cmd == "routes" {
			_, err = c.ExpandVehicle(ctx, id)
		} else {
			_, err = c.RefreshRoutes(ctx, id)
		}
		if err == nil {
			printRoutes(out, c, id)
		}
	case "set":
		id, ok := needID()
		if !ok {
			return false
		}
		fields, err := parseFields(args[1:])
		if err != nil {
			fmt.Fprintln(out, err)
			return false
		}
		patch, err := dashboard.ParsePatch(fields)
		if err != nil {
			fmt.Fprintln(out, err)
			return false
		}
		if c.UpdateVehicle(ctx, id, patch) == nil {
			fmt.Fprintln(out, "updated")
		}
	case "toggle":
		if id, ok := needID(); ok && c.ToggleStatus(ctx, id) == nil {
			vp, _ := c.Vehicle(id)
			fmt.Fprintf(out, "%s is now %s\n", vp.Vehicle.Name, vp.Vehicle.Status)
		}
	case "delete":
		if id, ok := needID(); ok && c.DeleteVehicle(ctx, id) == nil {
			fmt.Fprintln(out, "deleted")
		}
	case "show":
		if id, ok := needID(); ok {
			if err := c.ShowOnMap(id); err != nil {
				fmt.Fprintln(out, err)
			}
		}
	case "logout", "quit", "exit":
		return true
	default:
		fmt.Fprintln(out, help)
	}
	return false
}

func main() {
	_ = godotenv.Load()
	if level, err := log.ParseLevel(getenv("LOG_LEVEL", "warning")); err == nil {
		log.SetLevel(level)
	}

	interval, err := time.ParseDuration(getenv("DASHBOARD_REFRESH", "30s"))
	if err != nil || interval <= 0 {
		log.Fatalf("invalid DASHBOARD_REFRESH %q", os.Getenv("DASHBOARD_REFRESH"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loggedOut := make(chan struct{}, 1)
	controller := dashboard.NewController(
		dashboard.NewClient(nil),
		consoleNotifier{},
		consoleMap{out: os.Stdout},
		func() {
			select {
			case loggedOut <- struct{}{}:
			default:
			}
		},
	)

	if err := controller.Login(ctx,
		getenv("API_BASE_URL", "http://localhost:8080"),
		os.Getenv("DASHBOARD_USERNAME"),
		os.Getenv("DASHBOARD_PASSWORD"),
	); err != nil {
		os.Exit(1)
	}
	_ = controller.Refresh(ctx)
	printVehicles(os.Stdout, controller)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = controller.Refresh(ctx)
			}
		}
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Println(help)
	for {
		select {
		case <-ctx.Done():
			return
		case <-loggedOut:
			fmt.Println("session ended, please log in again")
			return
		case line, ok := <-lines:
			if !ok || execute(ctx, os.Stdout, controller, line) {
				controller.Logout()
				return
			}
		}
	}
}
