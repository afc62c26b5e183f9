// Command posserver runs the fake central API on a real address, for local
// development of the sync client.
package main

import (
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/pdcretail/possync/internal/remote"
	"github.com/pdcretail/possync/internal/remote/remotetest"
)

func main() {

	addr := flag.String("a", ":8080", "listen address")
	flag.Parse()

	srv := remotetest.NewHandler()
	srv.SeedUser("cashier", "secret", "u1", "cfg1")
	srv.SeedRecord("users", remote.Record{ID: "u1", ModifiedAt: time.Now(), Payload: []byte(`{"name":"Cashier"}`)})
	srv.SeedRecord("configs", remote.Record{ID: "cfg1", ModifiedAt: time.Now(), Payload: []byte(`{"name":"Main"}`)})
	srv.SeedRecord("products", remote.Record{ID: "p1", ModifiedAt: time.Now(), Payload: []byte(`{"name":"Coffee","price":350}`)})

	log.Printf("posserver listening on %s", *addr)
	if err := http.ListenAndServe(*addr, srv.Handler()); err != nil {
		log.Fatalf("%v", err)
	}

}
