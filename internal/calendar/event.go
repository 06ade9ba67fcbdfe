package calendar

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"clinic-calendar-sync/internal/domain"
)

// EventFromAppointment renders the event body pushed for an appointment.
func EventFromAppointment(a domain.Appointment) EventInput {
	summary := a.Title
	if a.PatientName != "" {
		summary = fmt.Sprintf("%s - %s", a.Title, a.PatientName)
	}

	var lines []string
	if a.PatientName != "" {
		lines = append(lines, "Patient: "+a.PatientName)
	}
	if a.MicrochipID != "" {
		lines = append(lines, "Microchip ID: "+a.MicrochipID)
	}
	if a.Room != "" {
		lines = append(lines, "Room: "+a.Room)
	}
	lines = append(lines, "Status: "+string(a.Status))
	if a.Description != "" {
		lines = append(lines, "", a.Description)
	}

	return EventInput{
		Summary:       summary,
		Description:   strings.Join(lines, "\n"),
		Start:         a.StartTime,
		End:           a.EndTime,
		AppointmentID: a.ID,
	}
}

// Checksum fingerprints an event body so unchanged appointments are not re-pushed.
func Checksum(in EventInput) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%d",
		in.Summary, in.Description,
		in.Start.UTC().Format(time.RFC3339), in.End.UTC().Format(time.RFC3339),
		in.AppointmentID)
	return hex.EncodeToString(h.Sum(nil))
}
