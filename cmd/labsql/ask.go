package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/spf13/cobra"

	"labsql-agent/internal/app"
	"labsql-agent/internal/config"
	"labsql-agent/internal/logger"
)

func newAskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Generate SQL for one question and print the response",
		RunE:  runAsk,
	}
	cmd.Flags().StringP("question", "q", "", "question about the patient's lab results")
	cmd.Flags().StringP("patient", "p", "", "patient identifier")
	_ = cmd.MarkFlagRequired("question")
	return cmd
}

func runAsk(cmd *cobra.Command, _ []string) error {
	question, _ := cmd.Flags().GetString("question")
	patient, _ := cmd.Flags().GetString("patient")

	event, err := askEvent(question, patient)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.Init(logger.Options{Production: cfg.IsProduction()})

	a, err := app.Build(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("initializing agent: %w", err)
	}
	defer a.Close()

	resp, err := a.Handler.Handle(cmd.Context(), event)
	if err != nil {
		return err
	}
	return printResponse(cmd, resp)
}

func askEvent(question, patient string) (events.APIGatewayProxyRequest, error) {
	body, err := json.Marshal(struct {
		Question  string `json:"question"`
		PatientID string `json:"patientId,omitempty"`
	}{question, patient})
	if err != nil {
		return events.APIGatewayProxyRequest{}, err
	}
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/sql-generation",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}, nil
}

func printResponse(cmd *cobra.Command, resp events.APIGatewayProxyResponse) error {
	var out bytes.Buffer
	if err := json.Indent(&out, []byte(resp.Body), "", "  "); err != nil {
		out.Reset()
		out.WriteString(resp.Body)
	}
	if _, err := fmt.Fprintln(cmd.OutOrStdout(), out.String()); err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return nil
}
